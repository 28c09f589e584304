package game

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/rcon"
)

// scriptedConsole records every command and replies from a canned table
type scriptedConsole struct {
	mu       sync.Mutex
	commands []string
	replies  map[string]string
	failOn   string
	closed   bool
}

func (c *scriptedConsole) Exec(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	if c.failOn != "" && strings.HasPrefix(cmd, c.failOn) {
		return "", fmt.Errorf("server rejected %q", cmd)
	}
	return c.replies[cmd], nil
}

func (c *scriptedConsole) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func scriptedChannel(console *scriptedConsole) *rcon.Channel {
	return rcon.NewChannelWithDialer(func(context.Context, string, string) (rcon.Console, error) {
		return console, nil
	})
}

func testGameServer() *domain.GameServer {
	return &domain.GameServer{
		ID:           1,
		Name:         "game1",
		Address:      "192.0.2.10",
		Port:         27015,
		RconPassword: "secret",
	}
}

func TestConfiguratorCommandOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p1 := createTestPlayer(t, store, 401, "Alice")
	p2 := createTestPlayer(t, store, 402, "Bob")
	g := createTestGame(t, store, "cccc0001", p1, p2)

	console := &scriptedConsole{replies: map[string]string{
		"tv_port": `"tv_port" = "27025" ( def. "27020" )`,
	}}
	c := NewConfigurator(store, scriptedChannel(console), "192.0.2.1:9871")

	info, err := c.Configure(ctx, testGameServer(), g)
	require.NoError(t, err)

	cmds := console.commands
	require.GreaterOrEqual(t, len(cmds), 9)
	// Log forwarding is set up before anything else so no line of the
	// new game is lost
	assert.Equal(t, "logaddress_add 192.0.2.1:9871", cmds[0])
	assert.Equal(t, "sv_logsecret cccc0001", cmds[1])
	assert.Equal(t, "changelevel cp_process_final", cmds[2])
	assert.Equal(t, "exec etf2l_6v6_5cp", cmds[3])
	assert.True(t, strings.HasPrefix(cmds[4], "sv_password "))
	assert.True(t, strings.HasPrefix(cmds[5], "tv_password "))
	assert.Equal(t, "sm_game_player_delall", cmds[6])
	assert.Contains(t, cmds[7], "sm_game_player_add "+p1.SteamID)
	assert.Contains(t, cmds[8], "sm_game_player_add "+p2.SteamID)
	assert.Equal(t, "tv_port", cmds[len(cmds)-1])

	assert.True(t, strings.HasPrefix(info.Connect, "connect 192.0.2.10:27015; password "))
	assert.True(t, strings.HasPrefix(info.Stv, "connect 192.0.2.10:27025; password "))
	assert.True(t, console.closed)
}

func TestConfiguratorSkipsReplacedSlots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p1 := createTestPlayer(t, store, 401, "Alice")
	p2 := createTestPlayer(t, store, 402, "Bob")
	g := createTestGame(t, store, "cccc0002", p1, p2)
	require.NoError(t, store.UpdateSlotStatusIf(ctx, g.Slots[0].ID,
		domain.SlotStatusActive, domain.SlotStatusReplaced))
	g, err := store.GetGameByID(ctx, g.ID)
	require.NoError(t, err)

	console := &scriptedConsole{}
	c := NewConfigurator(store, scriptedChannel(console), "192.0.2.1:9871")
	_, err = c.Configure(ctx, testGameServer(), g)
	require.NoError(t, err)

	joined := strings.Join(console.commands, "\n")
	assert.NotContains(t, joined, "sm_game_player_add "+p1.SteamID)
	assert.Contains(t, joined, "sm_game_player_add "+p2.SteamID)
}

func TestConfiguratorFailureNamesAttemptedCommands(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p1 := createTestPlayer(t, store, 401, "Alice")
	g := createTestGame(t, store, "cccc0003", p1)

	console := &scriptedConsole{failOn: "changelevel"}
	c := NewConfigurator(store, scriptedChannel(console), "192.0.2.1:9871")

	_, err := c.Configure(ctx, testGameServer(), g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logaddress_add")
	assert.Contains(t, err.Error(), "changelevel cp_process_final")
	assert.NotContains(t, err.Error(), "sv_password")
	assert.True(t, console.closed)
}

func TestConfiguratorDefaultStvPort(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p1 := createTestPlayer(t, store, 401, "Alice")
	g := createTestGame(t, store, "cccc0004", p1)

	// No usable tv_port reply; the conventional default applies
	console := &scriptedConsole{}
	c := NewConfigurator(store, scriptedChannel(console), "192.0.2.1:9871")
	info, err := c.Configure(ctx, testGameServer(), g)
	require.NoError(t, err)
	assert.Contains(t, info.Stv, ":27020;")
}

func TestConfigForMap(t *testing.T) {
	assert.Equal(t, "etf2l_6v6_koth", configForMap("koth_product_rcx"))
	assert.Equal(t, "etf2l_6v6_ctf", configForMap("ctf_turbine"))
	assert.Equal(t, "etf2l_6v6_5cp", configForMap("cp_process_final"))
}
