package game

import "fmt"

// RCON command vocabulary understood by the game servers. The player
// whitelist commands come from the companion server plugin.
func cmdChangeLevel(mapName string) string {
	return fmt.Sprintf("changelevel %s", mapName)
}

func cmdExecConfig(config string) string {
	return fmt.Sprintf("exec %s", config)
}

func cmdLogSecret(secret string) string {
	return fmt.Sprintf("sv_logsecret %s", secret)
}

func cmdLogAddressAdd(addr string) string {
	return fmt.Sprintf("logaddress_add %s", addr)
}

func cmdSetPassword(password string) string {
	return fmt.Sprintf("sv_password %s", password)
}

func cmdSetTvPassword(password string) string {
	return fmt.Sprintf("tv_password %s", password)
}

func cmdAddPlayer(steamID, name, team, gameClass string) string {
	return fmt.Sprintf("sm_game_player_add %s -name %q -team %s -class %s",
		steamID, name, team, gameClass)
}

func cmdDelPlayer(steamID string) string {
	return fmt.Sprintf("sm_game_player_del %s", steamID)
}

func cmdDelAllPlayers() string {
	return "sm_game_player_delall"
}

func cmdSay(message string) string {
	return fmt.Sprintf("say %s", message)
}
