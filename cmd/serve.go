package cmd

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/neo/debatearena_backend/internal/auth"
	"github.com/neo/debatearena_backend/internal/bus"
	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/matchmaker"
	"github.com/neo/debatearena_backend/internal/orchestrator"
	"github.com/neo/debatearena_backend/internal/preset"
	"github.com/neo/debatearena_backend/internal/router"
	"github.com/neo/debatearena_backend/internal/server"
	"github.com/neo/debatearena_backend/internal/spectator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DebateArena server",
	Long: `Start the DebateArena server: the agent and spectator WebSocket
endpoints, the REST API, the matchmaker, and the contest orchestrator.
Interrupted contests from a previous run are recovered on startup.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil {
		logging.Warn("no .env file loaded", map[string]interface{}{"error": err.Error()})
	}

	if err := logging.InitDefaultLogger(loggingConfig()); err != nil {
		return err
	}

	db, err := database.New(envOr("DATA_DIR", "data"))
	if err != nil {
		return err
	}
	defer db.Close()

	replicaID := envOr("REPLICA_ID", uuid.New().String()[:8])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A configured but unreachable Redis degrades to single-replica
	// mode rather than refusing to boot.
	var eventBus bus.Bus
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rb, err := bus.NewRedisBus(ctx, redisURL)
		if err != nil {
			logging.Warn("redis unreachable, running single-replica", map[string]interface{}{"error": err.Error()})
			eventBus = bus.NewLocalBus()
		} else {
			eventBus = rb
		}
	} else {
		eventBus = bus.NewLocalBus()
	}
	defer eventBus.Close()

	presets := preset.NewRegistry()
	authSvc := auth.New(auth.Config{
		JWTSecret:     envOr("JWT_SECRET", "debatearena-dev-secret"),
		TokenDuration: 24 * time.Hour,
	})

	agentRouter := router.NewRouter(db, eventBus, replicaID, botTimeoutCeiling())
	hub := spectator.NewHub(db, eventBus, authSvc, presets, replicaID)
	mm := matchmaker.New(db, presets, agentRouter, matchmakerConfig())
	orch := orchestrator.New(db, eventBus, presets, agentRouter, orchestratorConfig())

	agentRouter.SetQueueService(mm)
	hub.SetVoteService(orch)
	mm.SetStarter(orch)

	if err := agentRouter.Start(ctx); err != nil {
		return err
	}
	hub.Start(ctx)
	mm.Start(ctx)
	orch.Start(ctx)

	if err := orch.RecoverUnfinished(ctx); err != nil {
		logging.Error("recovery scan failed", map[string]interface{}{"error": err.Error()})
	}

	srv := server.NewServer(db, authSvc, agentRouter, hub, mm, orch, presets, server.Config{
		Port:      envOr("PORT", "8080"),
		JWTSecret: envOr("JWT_SECRET", "debatearena-dev-secret"),
		ReplicaID: replicaID,
	})

	logging.Info("starting", map[string]interface{}{
		"replica_id":  replicaID,
		"distributed": eventBus.Distributed(),
	})
	serveErr := srv.Run(ctx)

	mm.Stop()
	orch.Stop()
	hub.Stop()
	agentRouter.Stop()
	return serveErr
}

func matchmakerConfig() matchmaker.Config {
	cfg := matchmaker.DefaultConfig()
	if v := os.Getenv("MATCH_ALLOW_SAME_OWNER"); v != "" {
		if allow, err := strconv.ParseBool(v); err == nil {
			cfg.AllowSameOwner = allow
		}
	}
	return cfg
}

func loggingConfig() logging.Config {
	cfg := logging.Config{
		Level:   logging.ParseLevel(os.Getenv("LOG_LEVEL")),
		Prefix:  "debatearena",
		Colored: true,
	}
	if path := os.Getenv("LOG_FILE"); path != "" {
		cfg.LogToFile = true
		cfg.LogFilePath = path
	}
	return cfg
}

func orchestratorConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	if v := os.Getenv("ELO_K_FACTOR"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			cfg.KFactor = k
		}
	}
	return cfg
}

// botTimeoutCeiling reads BOT_TIMEOUT_CEILING_SECONDS; zero lets the
// router apply its default ceiling.
func botTimeoutCeiling() time.Duration {
	if v := os.Getenv("BOT_TIMEOUT_CEILING_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
