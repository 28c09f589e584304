package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Queue    QueueConfig    `yaml:"queue"`
	Registry RegistryConfig `yaml:"registry"`
	Rcon     RconConfig     `yaml:"rcon"`
	LogRelay LogRelayConfig `yaml:"log_relay"`
	Nats     NatsConfig     `yaml:"nats"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPPort   int    `yaml:"http_port"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// ClassSlot defines how many queue slots one class gets per team
type ClassSlot struct {
	Name    string `yaml:"name"`
	PerTeam int    `yaml:"per_team"`
}

// QueueConfig holds the queue layout and timing contract
type QueueConfig struct {
	Classes []ClassSlot   `yaml:"classes"`
	// Time players have to ready up before they are kicked out of the queue
	ReadyUpTimeout time.Duration `yaml:"ready_up_timeout"`
	// Time the queue stays in ready-up state before reverting to waiting,
	// unless all players ready up
	ReadyStateTimeout time.Duration `yaml:"ready_state_timeout"`
	// Maps the launcher picks from when the pool table is empty
	DefaultMapPool []string `yaml:"default_map_pool"`
}

// TeamCount is fixed; the queue always builds two rosters
const TeamCount = 2

// RequiredPlayers returns the total number of queue slots
func (q *QueueConfig) RequiredPlayers() int {
	n := 0
	for _, c := range q.Classes {
		n += c.PerTeam * TeamCount
	}
	return n
}

// RegistryConfig holds server registry timing settings
type RegistryConfig struct {
	// A server missing heartbeats for longer than this is marked offline
	HeartbeatGrace time.Duration `yaml:"heartbeat_grace"`
	// An offline server bound to a live game is only released after this
	// additional window
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`
	// Games stuck in launching longer than this are considered orphaned
	OrphanBound   time.Duration `yaml:"orphan_bound"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RconConfig holds RCON channel timeouts
type RconConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// LogRelayConfig holds the UDP log receiver settings
type LogRelayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Address game servers are told to forward logs to; defaults to ListenAddr
	PublicAddr string `yaml:"public_addr"`
	ArchiveDir string `yaml:"archive_dir"`
}

// NatsConfig holds the notification sink settings. An empty URL starts an
// embedded broker.
type NatsConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with production defaults
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/pickupd/pickupd.db"
	}
	if c.Auth.TokenDuration == 0 {
		c.Auth.TokenDuration = 24 * time.Hour
	}
	if len(c.Queue.Classes) == 0 {
		// 6v6: 2 scouts, 2 soldiers, 1 demoman, 1 medic per team
		c.Queue.Classes = []ClassSlot{
			{Name: "scout", PerTeam: 2},
			{Name: "soldier", PerTeam: 2},
			{Name: "demoman", PerTeam: 1},
			{Name: "medic", PerTeam: 1},
		}
	}
	if c.Queue.ReadyUpTimeout == 0 {
		c.Queue.ReadyUpTimeout = 40 * time.Second
	}
	if c.Queue.ReadyStateTimeout == 0 {
		c.Queue.ReadyStateTimeout = 60 * time.Second
	}
	if len(c.Queue.DefaultMapPool) == 0 {
		c.Queue.DefaultMapPool = []string{
			"cp_process_final",
			"cp_snakewater_final1",
			"cp_gullywash_final1",
			"cp_badlands",
			"cp_granary_pro_rc8",
			"cp_sunshine",
			"koth_product_rcx",
		}
	}
	if c.Registry.HeartbeatGrace == 0 {
		c.Registry.HeartbeatGrace = time.Minute
	}
	if c.Registry.ReconnectGrace == 0 {
		c.Registry.ReconnectGrace = 2 * time.Minute
	}
	if c.Registry.OrphanBound == 0 {
		c.Registry.OrphanBound = 5 * time.Minute
	}
	if c.Registry.SweepInterval == 0 {
		c.Registry.SweepInterval = 30 * time.Second
	}
	if c.Rcon.DialTimeout == 0 {
		c.Rcon.DialTimeout = 5 * time.Second
	}
	if c.Rcon.CommandTimeout == 0 {
		c.Rcon.CommandTimeout = 5 * time.Second
	}
	if c.LogRelay.ListenAddr == "" {
		c.LogRelay.ListenAddr = "0.0.0.0:9871"
	}
	if c.LogRelay.PublicAddr == "" {
		c.LogRelay.PublicAddr = c.LogRelay.ListenAddr
	}
	if c.Nats.SubjectPrefix == "" {
		c.Nats.SubjectPrefix = "pickup"
	}
}
