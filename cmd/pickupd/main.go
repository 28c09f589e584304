// pickupd - team pickup ladder orchestration service
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/pickuplab/pickupd/internal/api"
	"github.com/pickuplab/pickupd/internal/auth"
	"github.com/pickuplab/pickupd/internal/config"
	"github.com/pickuplab/pickupd/internal/domain"
	"github.com/pickuplab/pickupd/internal/events"
	"github.com/pickuplab/pickupd/internal/game"
	"github.com/pickuplab/pickupd/internal/logrelay"
	"github.com/pickuplab/pickupd/internal/notify"
	"github.com/pickuplab/pickupd/internal/queue"
	"github.com/pickuplab/pickupd/internal/rcon"
	"github.com/pickuplab/pickupd/internal/registry"
	"github.com/pickuplab/pickupd/internal/storage"
)

var version = "dev"

const defaultConfigPath = "/etc/pickupd/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "servers":
		cmdServers(os.Args[2:])
	case "games":
		cmdGames(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "version":
		fmt.Printf("pickupd %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pickupd <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the orchestration service")
	fmt.Println("  servers                    Show known game servers")
	fmt.Println("  games [--recent N]         Show recent games (default: 20)")
	fmt.Println("  user add [--admin] <name>  Add an admin panel user (prompts for password)")
	fmt.Println("  user remove <name>         Remove a user")
	fmt.Println("  user list                  List all users")
	fmt.Println("  version                    Show version")
	fmt.Println("  help                       Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/pickupd/config.yml)")
}

func loadConfig(path string) *config.Config {
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// cmdServe starts the orchestration service
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	log.Printf("pickupd %s starting...", version)

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	bus := events.New()

	// Log relay with per-game archive
	archive, err := logrelay.NewArchive(cfg.LogRelay.ArchiveDir)
	if err != nil {
		log.Fatalf("Failed to initialize log archive: %v", err)
	}
	relay := logrelay.New(cfg.LogRelay.ListenAddr, archive)
	if err := relay.Start(); err != nil {
		log.Fatalf("Failed to start log relay: %v", err)
	}
	log.Printf("Log relay listening on %s", cfg.LogRelay.ListenAddr)

	// RCON channel shared by every component talking to game servers
	channel := rcon.NewChannel(cfg.Rcon.DialTimeout, cfg.Rcon.CommandTimeout)

	// Server registry and diagnostics
	reg := registry.New(store, bus, cfg.Registry)
	reg.Start()
	diagnostics := registry.NewDiagnostics(store, channel, relay, cfg.LogRelay.PublicAddr)

	// Game orchestration
	configurator := game.NewConfigurator(store, channel, cfg.LogRelay.PublicAddr)
	cleanup := game.NewCleanup(store, reg, archive)
	lifecycle := game.NewLifecycle(store, cleanup, bus)
	launcher := game.NewLauncher(store, reg, configurator, archive, bus, cfg.Queue.DefaultMapPool)
	runtime := game.NewRuntime(store, reg, configurator, channel, bus)
	substitution := game.NewSubstitution(store, runtime, bus)
	router := game.NewRouter(store, lifecycle, relay)
	router.Start()

	// Matchmaking queue feeding the launcher
	q := queue.New(cfg.Queue, bus, func(roster []queue.RosterEntry) {
		slots := make([]game.RosterSlot, 0, len(roster))
		for _, entry := range roster {
			slots = append(slots, game.RosterSlot{
				PlayerID:  entry.PlayerID,
				Team:      entry.Team,
				GameClass: entry.GameClass,
			})
		}
		if _, err := launcher.Launch(context.Background(), slots); err != nil {
			log.Printf("Launch failed: %v", err)
			return
		}
	})

	// Reset the queue once the launcher has the roster committed
	launchDone, cancelLaunchDone := bus.Subscribe()
	go func() {
		for event := range launchDone {
			if event.Type == domain.EventGameCreated {
				q.Reset()
			}
		}
	}()
	defer cancelLaunchDone()

	// Notification sink: external NATS or an embedded broker
	natsURL := cfg.Nats.URL
	if natsURL == "" {
		srv, url, err := notify.StartEmbedded("127.0.0.1", -1)
		if err != nil {
			log.Fatalf("Failed to start embedded NATS server: %v", err)
		}
		defer srv.Shutdown()
		natsURL = url
		log.Printf("Embedded NATS server at %s", url)
	}
	notifier, err := notify.New(natsURL, cfg.Nats.SubjectPrefix)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	notifier.Start(bus)

	// Orphan reaper: relaunch games stuck in launching and reclaim
	// servers bound to finished games
	reaperDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Registry.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				launcher.LaunchOrphaned(context.Background(), cfg.Registry.OrphanBound)
				cleanup.Sweep(context.Background())
			case <-reaperDone:
				return
			}
		}
	}()

	// Relaunch anything left over from a previous run
	launcher.LaunchOrphaned(context.Background(), 0)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	if cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: No JWT secret configured. Auth tokens will use an empty secret.")
	}

	apiRouter := api.NewRouter(store, q, reg, diagnostics, lifecycle, runtime, substitution, authService, bus)
	apiRouter.StartWebSocketHub()

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      apiRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Fatalf("HTTP server error: %v", err)
	}

	// Sequential shutdown
	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	close(reaperDone)
	router.Stop()
	reg.Stop()
	relay.Stop()
	archive.CloseAll()
	notifier.Stop()
	log.Println("Shutdown complete")
}

// cmdServers prints the known game servers
func cmdServers(args []string) {
	fs := flag.NewFlagSet("servers", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	servers, err := store.GetGameServers(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tONLINE\tAVAILABLE\tPRIORITY\tGAME")
	for _, srv := range servers {
		gameRef := "-"
		if srv.GameID != nil {
			gameRef = fmt.Sprintf("%d", *srv.GameID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s:%d\t%t\t%t\t%d\t%s\n",
			srv.ID, srv.Name, srv.Address, srv.Port, srv.IsOnline, srv.IsAvailable, srv.Priority, gameRef)
	}
	w.Flush()
}

// cmdGames prints recent games
func cmdGames(args []string) {
	fs := flag.NewFlagSet("games", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	recent := fs.Int("recent", 20, "number of games to show")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	games, err := store.GetGames(context.Background(), *recent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tMAP\tSTATE\tSCORE\tLAUNCHED")
	for _, g := range games {
		score := "-"
		if g.ScoreRed != nil && g.ScoreBlu != nil {
			score = fmt.Sprintf("%d:%d", *g.ScoreRed, *g.ScoreBlu)
		}
		fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%s\n",
			g.Number, g.Map, g.State, score, g.LaunchedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

// cmdUser manages admin panel users
func cmdUser(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: user subcommand required: add, remove, list\n")
		os.Exit(1)
	}
	subCmd := args[0]
	args = args[1:]

	fs := flag.NewFlagSet("user", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	isAdmin := fs.Bool("admin", false, "create as admin user")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	switch subCmd {
	case "add":
		if err := cmdUserAdd(ctx, store, fs.Args(), *isAdmin); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "remove":
		if len(fs.Args()) < 1 {
			fmt.Fprintf(os.Stderr, "usage: pickupd user remove <username>\n")
			os.Exit(1)
		}
		if err := store.DeleteUser(ctx, fs.Args()[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("User '%s' removed\n", fs.Args()[0])
	case "list":
		users, err := store.ListUsers(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERNAME\tADMIN\tCREATED")
		for _, u := range users {
			fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", u.ID, u.Username, u.IsAdmin, u.CreatedAt.Format("2006-01-02"))
		}
		w.Flush()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown user command: %s (use: add, remove, list)\n", subCmd)
		os.Exit(1)
	}
}

func cmdUserAdd(ctx context.Context, store *storage.Store, args []string, isAdmin bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pickupd user add [--admin] <username>")
	}
	username := args[0]

	if _, err := store.GetUserByUsername(ctx, username); err == nil {
		return fmt.Errorf("user '%s' already exists", username)
	}

	fmt.Print("Enter password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if string(password) != string(confirm) {
		return fmt.Errorf("passwords do not match")
	}

	hash, err := auth.HashPassword(string(password))
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := store.CreateUser(ctx, username, hash, isAdmin)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	role := "user"
	if user.IsAdmin {
		role = "admin"
	}
	fmt.Printf("User '%s' created (%s)\n", user.Username, role)
	return nil
}
