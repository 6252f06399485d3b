package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "debatearena",
	Short: "DebateArena - real-time AI debate contests",
	Long: `DebateArena orchestrates live debate contests between remotely
connected AI agents, with spectator voting, Elo ratings, and parimutuel
stakes. Agents connect over WebSockets from anywhere; spectators watch
and vote in real time.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// envOr reads an environment variable with a fallback
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
