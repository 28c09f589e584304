package game

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/rcon"
	"github.com/pickuplab/pickupd/internal/storage"
)

const defaultStvPort = 27020

var tvPortPattern = regexp.MustCompile(`"tv_port" = "(\d+)"`)

// ConnectInfo carries the client connect strings produced by a
// successful configuration pass
type ConnectInfo struct {
	Connect string
	Stv     string
}

// Configurator drives a reserved server into a playable state over
// RCON: log forwarding first, then map, config and passwords, then the
// player whitelist. The session is closed on every exit path and a
// failure carries the list of commands attempted so far.
type Configurator struct {
	store     *storage.Store
	rcon      *rcon.Channel
	relayAddr string
}

func NewConfigurator(store *storage.Store, channel *rcon.Channel, relayAddr string) *Configurator {
	return &Configurator{store: store, rcon: channel, relayAddr: relayAddr}
}

// Configure pushes the full game setup to the server and returns the
// connect strings. Not retried here; retry policy belongs to the caller.
func (c *Configurator) Configure(ctx context.Context, server *domain.GameServer, g *domain.Game) (ConnectInfo, error) {
	password := randomPassword()
	tvPassword := randomPassword()

	commands := []string{
		cmdLogAddressAdd(c.relayAddr),
		cmdLogSecret(g.LogSecret),
		cmdChangeLevel(g.Map),
		cmdExecConfig(configForMap(g.Map)),
		cmdSetPassword(password),
		cmdSetTvPassword(tvPassword),
		cmdDelAllPlayers(),
	}
	for _, slot := range g.Slots {
		if slot.Status != domain.SlotStatusActive {
			continue
		}
		player, err := c.store.GetPlayerByID(ctx, slot.PlayerID)
		if err != nil {
			return ConnectInfo{}, fmt.Errorf("loading player %d: %w", slot.PlayerID, err)
		}
		commands = append(commands, cmdAddPlayer(player.SteamID, player.Name, slot.Team, slot.GameClass))
	}

	session, err := c.rcon.Open(ctx, server)
	if err != nil {
		return ConnectInfo{}, err
	}
	defer session.Close()

	var attempted []string
	for _, cmd := range commands {
		attempted = append(attempted, cmd)
		if _, err := session.Exec(cmd); err != nil {
			return ConnectInfo{}, fmt.Errorf("configuring game #%d (attempted: %s): %w",
				g.Number, strings.Join(attempted, "; "), err)
		}
	}

	// Read back the STV port to build the spectator connect string
	tvPort := defaultStvPort
	if reply, err := session.Exec("tv_port"); err == nil {
		if m := tvPortPattern.FindStringSubmatch(reply); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil {
				tvPort = p
			}
		}
	}

	return ConnectInfo{
		Connect: fmt.Sprintf("connect %s:%d; password %s", server.Address, server.Port, password),
		Stv:     fmt.Sprintf("connect %s:%d; password %s", server.Address, tvPort, tvPassword),
	}, nil
}

// configForMap picks the server config matching the map's game mode
func configForMap(mapName string) string {
	switch {
	case strings.HasPrefix(mapName, "koth_"):
		return "etf2l_6v6_koth"
	case strings.HasPrefix(mapName, "ctf_"):
		return "etf2l_6v6_ctf"
	default:
		return "etf2l_6v6_5cp"
	}
}

func randomPassword() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}
