package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/audit"
	"github.com/stratonas/middled/internal/auth"
	"github.com/stratonas/middled/internal/auth/jwt"
	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/config"
	"github.com/stratonas/middled/internal/datastore"
	"github.com/stratonas/middled/internal/dispatcher"
	"github.com/stratonas/middled/internal/events"
	"github.com/stratonas/middled/internal/ha"
	"github.com/stratonas/middled/internal/jobs"
	"github.com/stratonas/middled/internal/plugins/filesystem"
	"github.com/stratonas/middled/internal/plugins/scrub"
	"github.com/stratonas/middled/internal/plugins/system"
	"github.com/stratonas/middled/internal/plugins/user"
	"github.com/stratonas/middled/internal/registry"
	"github.com/stratonas/middled/internal/session"
	"github.com/stratonas/middled/internal/transport"
	"github.com/stratonas/middled/pkg/logger"
	"github.com/stratonas/middled/pkg/metrics"
	"github.com/stratonas/middled/pkg/trace"
	"github.com/stratonas/middled/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of middled",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("middled version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "middled",
		Short: "Storage appliance control-plane dispatcher",
		Long:  `middled serves the websocket method-call surface, job engine, and event bus of the appliance control plane`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "configs/middled.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("starting middled",
		zap.String("version", version.Get()),
		zap.String("state_dir", cfg.StateDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Fatal("failed to initialize tracing", zap.Error(err))
	}

	store, err := datastore.NewSQLite(lg, cfg.Datastore.Path)
	if err != nil {
		lg.Fatal("failed to open datastore", zap.Error(err))
	}
	defer store.Close()

	authn := auth.NewAuthenticator(lg, store, cfg.Auth.FailedLoginLog)
	bootstrapRootUser(ctx, lg, store, authn)

	tokens := auth.NewTokenStore(cfg.Auth.TokenTTL)

	var jwtSvc *jwt.Service
	if cfg.Auth.JWTSecret != "" {
		jwtSvc, err = jwt.NewService(jwt.Config{
			SecretKey: cfg.Auth.JWTSecret,
			Duration:  cfg.Auth.JWTDuration,
		})
		if err != nil {
			lg.Fatal("failed to initialize jwt service", zap.Error(err))
		}
	} else if cfg.Failover.PeerURL != "" {
		lg.Fatal("failover requires auth.jwt_secret")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	var relay events.Relay
	if cfg.Events.Relay != nil {
		redisRelay, err := events.NewRedisRelay(lg, cfg.Events.Relay)
		if err != nil {
			lg.Fatal("failed to connect event relay", zap.Error(err))
		}
		defer redisRelay.Close()
		relay = redisRelay
	}
	bus := events.New(lg, cfg.Events.QueueSize, m, relay)
	defer bus.Close()

	mgr, err := jobs.NewManager(lg, bus, m, jobs.Options{
		StateDir:  cfg.StateDir,
		Retention: cfg.Jobs.Retention,
		RingSize:  cfg.Jobs.LogRingSize,
		Workers:   cfg.Jobs.Workers,
	})
	if err != nil {
		lg.Fatal("failed to initialize job manager", zap.Error(err))
	}

	sessions := session.NewStore(lg)
	reg := registry.New(lg)

	disp := dispatcher.New(lg, dispatcher.Deps{
		Registry: reg,
		Jobs:     mgr,
		Bus:      bus,
		Auth:     authn,
		Tokens:   tokens,
		Sessions: sessions,
		Audit:    audit.NewSink(lg, store),
		Metrics:  m,
		Workers:  cfg.Jobs.Workers,
	})
	if err := disp.RegisterBuiltins(); err != nil {
		lg.Fatal("failed to register builtin methods", zap.Error(err))
	}

	if err := system.Register(reg); err != nil {
		lg.Fatal("failed to register system plugin", zap.Error(err))
	}
	if err := user.Register(reg, store); err != nil {
		lg.Fatal("failed to register user plugin", zap.Error(err))
	}
	if err := scrub.Register(reg); err != nil {
		lg.Fatal("failed to register scrub plugin", zap.Error(err))
	}
	if err := filesystem.Register(reg); err != nil {
		lg.Fatal("failed to register filesystem plugin", zap.Error(err))
	}

	var sup *ha.Supervisor
	if cfg.Failover.PeerURL != "" {
		sup = ha.NewSupervisor(lg, cfg.Failover, jwtSvc)
		if err := ha.RegisterMethods(reg, sup, jwtSvc); err != nil {
			lg.Fatal("failed to register failover methods", zap.Error(err))
		}
	}

	reg.Seal()
	for _, decl := range reg.Streams() {
		bus.Declare(decl.Name)
	}

	srv := transport.NewServer(lg, cfg.Transport, disp, sessions, m)
	if err := srv.Start(); err != nil {
		lg.Fatal("failed to start transport", zap.Error(err))
	}

	sidecar := transport.NewSidecar(lg, cfg.Transport, tokens, mgr, disp, m)
	if err := sidecar.Start(); err != nil {
		lg.Fatal("failed to start sidecar", zap.Error(err))
	}

	if sup != nil {
		sup.Start()
	}

	lg.Info("middled is up",
		zap.Int("port", cfg.Transport.Port),
		zap.Int("sidecar_port", cfg.Transport.SidecarPort),
		zap.String("unix_socket", cfg.Transport.UnixSocket))

	<-ctx.Done()
	lg.Info("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sup != nil {
		sup.Stop()
	}
	if err := sidecar.Shutdown(drainCtx); err != nil {
		lg.Warn("sidecar shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(drainCtx); err != nil {
		lg.Warn("transport shutdown", zap.Error(err))
	}
	if err := mgr.Shutdown(drainCtx); err != nil {
		lg.Warn("job manager shutdown", zap.Error(err))
	}
	if err := shutdownTracing(drainCtx); err != nil {
		lg.Warn("tracing shutdown", zap.Error(err))
	}
}

// bootstrapRootUser provisions the initial admin account on an empty
// datastore. The password comes from MIDDLED_ROOT_PASSWORD; without it a
// fresh install only accepts connections over the trusted unix socket.
func bootstrapRootUser(ctx context.Context, lg *zap.Logger, store datastore.Store, authn *auth.Authenticator) {
	n, err := store.Count(ctx, cnst.TableUsers, nil)
	if err != nil || n > 0 {
		return
	}
	password := os.Getenv("MIDDLED_ROOT_PASSWORD")
	if password == "" {
		lg.Warn("no users exist and MIDDLED_ROOT_PASSWORD is unset; only unix-socket clients can connect")
		return
	}
	if _, err := authn.CreateUser(ctx, "root", password, []string{cnst.RoleFullAdmin}); err != nil {
		lg.Error("failed to provision root user", zap.Error(err))
		return
	}
	lg.Info("provisioned initial root user")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
