// Command cardlinkd runs the PSK-TLS Admin Server test harness: command
// "start" runs it in the foreground until terminated, "stop" signals a
// running instance via its PID file, and "status" reports whether one is
// alive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/protei/cardlink/internal/card"
	"github.com/protei/cardlink/internal/config"
	"github.com/protei/cardlink/internal/dashboard"
	"github.com/protei/cardlink/internal/dashboard/auth"
	"github.com/protei/cardlink/internal/eventbus"
	"github.com/protei/cardlink/internal/keystore"
	"github.com/protei/cardlink/internal/logger"
	"github.com/protei/cardlink/internal/repository"
	"github.com/protei/cardlink/internal/server"
)

const (
	appName    = "cardlinkd"
	appVersion = "1.0.0"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "path to configuration file")
	pidPath    = flag.String("pidfile", "cardlinkd.pid", "path to the PID file used by stop/status")
)

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-config path] [-pidfile path] server <start|stop|status>\n", appName)
		os.Exit(2)
	}

	if args[0] != "server" || len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [-config path] [-pidfile path] server <start|stop|status>\n", appName)
		os.Exit(2)
	}

	switch args[1] {
	case "start":
		os.Exit(runStart())
	case "stop":
		os.Exit(runStop())
	case "status":
		os.Exit(runStatus())
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[1])
		os.Exit(2)
	}
}

// runStart loads config, wires every component, and blocks until a
// termination signal or fatal error. Returns the process exit code.
func runStart() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ configuration error: %v\n", err)
		return 2
	}

	app, err := newApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to initialize: %v\n", err)
		return 1
	}

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to start: %v\n", err)
		return 1
	}

	if err := writePIDFile(*pidPath); err != nil {
		app.log.Warn("failed to write pid file", "error", err.Error())
	}
	defer os.Remove(*pidPath)

	app.log.Info("cardlinkd started", "host", cfg.Server.Host, "port", cfg.Server.Port)

	waitForShutdown(app.log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGrace*float64(time.Second))+5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  error during shutdown: %v\n", err)
		return 1
	}

	app.log.Info("cardlinkd stopped")
	return 0
}

func runStop() int {
	pid, err := readPIDFile(*pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ no running instance found: %v\n", err)
		return 1
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ cannot locate process %d: %v\n", pid, err)
		return 1
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to signal process %d: %v\n", pid, err)
		return 1
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return 0
}

func runStatus() int {
	pid, err := readPIDFile(*pidPath)
	if err != nil {
		fmt.Println("not running")
		return 1
	}
	if err := syscall.Kill(pid, 0); err != nil {
		fmt.Printf("not running (stale pid file for %d)\n", pid)
		return 1
	}
	fmt.Printf("running (pid %d)\n", pid)
	return 0
}

func loadConfig() (config.Config, error) {
	mgr, err := config.NewManager(*configPath, nil)
	if err != nil {
		return config.Config{}, err
	}
	return mgr.Get(), nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func waitForShutdown(log *logger.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())
}

// application wires every component named in the configuration document
// together: card engine, key store, event bus, admin server, repository,
// and the peripheral dashboard.
type application struct {
	cfg      config.Config
	log      *logger.Logger
	bus      *eventbus.AsyncBus
	keyStore keystore.KeyStore
	repo     interface {
		server.LogSink
		dashboard.SessionProvider
	}
	srv       *server.AdminServer
	dashboard *dashboard.Server
}

func newApplication(cfg config.Config) (*application, error) {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	log.Info(fmt.Sprintf("%s v%s initializing", appName, appVersion))

	// AsyncBus decouples slow or misbehaving subscribers (the dashboard's
	// websocket fan-out, a log sink hitting a stalled database) from the
	// hot path that emits handshake and APDU events.
	bus := eventbus.NewAsyncBus(eventbus.New(log), 256)

	var ks keystore.KeyStore
	var repo interface {
		server.LogSink
		dashboard.SessionProvider
	}
	switch cfg.Repository.Driver {
	case "postgres":
		pg, err := repository.Open(repository.Config{
			Host:     cfg.Repository.Host,
			Port:     cfg.Repository.Port,
			Database: cfg.Repository.Database,
			User:     cfg.Repository.User,
			Password: cfg.Repository.Password,
			SSLMode:  cfg.Repository.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}
		repo = pg
		ks = keystore.NewRepositoryKeyStore(context.Background(), pg)
	default:
		repo = repository.NewMemoryRepository()
		fileKS, err := keystore.NewFileKeyStore(cfg.Server.KeyStorePath, log)
		if err != nil {
			return nil, fmt.Errorf("key store: %w", err)
		}
		ks = fileKS
	}

	isdAID := defaultISDAID
	engine := card.New(card.Profile{ISDAID: isdAID})

	srv := server.New(server.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		MaxConnections:      cfg.Server.MaxConnections,
		WorkerPoolSize:      cfg.Server.WorkerPoolSize,
		SessionTimeout:      durationSeconds(cfg.Server.SessionTimeout),
		HandshakeTimeout:    durationSeconds(cfg.Server.HandshakeTimeout),
		ReadTimeout:         durationSeconds(cfg.Server.ReadTimeout),
		ShutdownGrace:       durationSeconds(cfg.Server.ShutdownGrace),
		ResumptionWindow:    durationSeconds(cfg.Server.ResumptionWindow),
		EnableLegacyCiphers: cfg.Server.Cipher.EnableLegacy,
		EnableNullCiphers:   cfg.Server.Cipher.EnableNullCiphers,
		KeyStore:            ks,
		CardEngine:          engine,
		ScriptProvider:      server.DefaultScriptProvider{ISDAID: isdAID},
		LogSink:             repo,
		Bus:                 bus,
		Log:                 log.WithComponent("admin-server"),
	})

	app := &application{cfg: cfg, log: log, bus: bus, keyStore: ks, repo: repo, srv: srv}

	if cfg.Dashboard.Enabled {
		authSvc := auth.NewService(auth.Config{
			JWTSecret:   cfg.Dashboard.JWTSecret,
			TokenExpiry: durationSeconds(cfg.Dashboard.TokenExpiry),
		})
		if cfg.Dashboard.BootstrapUsername != "" {
			role := auth.Role(cfg.Dashboard.BootstrapRole)
			if role == "" {
				role = auth.RoleAdmin
			}
			if err := authSvc.RegisterUser(cfg.Dashboard.BootstrapUsername, cfg.Dashboard.BootstrapPassword, role); err != nil {
				return nil, fmt.Errorf("dashboard: bootstrap user: %w", err)
			}
			log.Info("dashboard bootstrap account provisioned", "username", cfg.Dashboard.BootstrapUsername, "role", string(role))
		}
		app.dashboard = dashboard.New(dashboard.Config{
			Port:            cfg.Dashboard.Port,
			AuthService:     authSvc,
			SessionProvider: repo,
			Bus:             bus,
			Log:             log.WithComponent("dashboard"),
		})
	}

	return app, nil
}

func (a *application) Start() error {
	if err := a.srv.Start(); err != nil {
		return fmt.Errorf("admin server: %w", err)
	}
	if a.dashboard != nil {
		if err := a.dashboard.Start(); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
	}
	return nil
}

func (a *application) Stop(ctx context.Context) error {
	if a.dashboard != nil {
		if err := a.dashboard.Stop(ctx); err != nil {
			a.log.Warn("dashboard shutdown error", "error", err.Error())
		}
	}
	err := a.srv.Stop(ctx)
	a.bus.Close()
	return err
}

func durationSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// defaultISDAID is the GlobalPlatform reference test ISD AID used when no
// richer card profile document is configured.
var defaultISDAID = []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}
