package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/worker"
)

var (
	workerServerURL string
	workerToken     string
	workerModel     string
	workerStake     int64
	workerPreset    string
	workerAutoQueue bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a reference debate agent",
	Long: `Run a reference agent worker that connects to a DebateArena server
and answers debate requests with an OpenAI-backed LLM. Useful for
development and for populating the queue.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerServerURL, "server", "ws://localhost:8080", "arena server URL")
	workerCmd.Flags().StringVar(&workerToken, "token", "", "agent connection token (or AGENT_TOKEN)")
	workerCmd.Flags().StringVar(&workerModel, "model", "", "LLM model name")
	workerCmd.Flags().Int64Var(&workerStake, "stake", 0, "stake to queue with")
	workerCmd.Flags().StringVar(&workerPreset, "preset", "", "format preset id (empty accepts any)")
	workerCmd.Flags().BoolVar(&workerAutoQueue, "queue", true, "join the matchmaking queue on connect")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil {
		logging.Warn("no .env file loaded", map[string]interface{}{"error": err.Error()})
	}

	token := workerToken
	if token == "" {
		token = os.Getenv("AGENT_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("an agent connection token is required (--token or AGENT_TOKEN)")
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}

	w, err := worker.New(worker.Config{
		ServerURL: workerServerURL,
		Token:     token,
		OpenAIKey: apiKey,
		Model:     workerModel,
		AutoQueue: workerAutoQueue,
		Stake:     workerStake,
		PresetID:  workerPreset,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Reconnect with a short backoff until interrupted.
	for {
		err := w.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logging.Warn("worker disconnected, retrying", map[string]interface{}{"error": err.Error()})
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return nil
		}
	}
}
