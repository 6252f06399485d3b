package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/neo/debatearena_backend/internal/orchestrator"
)

func TestOrchestratorConfigReadsKFactor(t *testing.T) {
	t.Setenv("ELO_K_FACTOR", "24")
	assert.Equal(t, 24, orchestratorConfig().KFactor)

	// Garbage and non-positive values fall back to the default.
	for _, v := range []string{"", "garbage", "0", "-8"} {
		t.Setenv("ELO_K_FACTOR", v)
		assert.Equal(t, orchestrator.DefaultConfig().KFactor, orchestratorConfig().KFactor, "ELO_K_FACTOR=%q", v)
	}
}

func TestBotTimeoutCeiling(t *testing.T) {
	t.Setenv("BOT_TIMEOUT_CEILING_SECONDS", "45")
	assert.Equal(t, 45*time.Second, botTimeoutCeiling())

	for _, v := range []string{"", "abc", "0", "-5"} {
		t.Setenv("BOT_TIMEOUT_CEILING_SECONDS", v)
		assert.Equal(t, time.Duration(0), botTimeoutCeiling(), "BOT_TIMEOUT_CEILING_SECONDS=%q", v)
	}
}

func TestLoggingConfigFileOutput(t *testing.T) {
	t.Setenv("LOG_FILE", "")
	cfg := loggingConfig()
	assert.False(t, cfg.LogToFile)
	assert.Empty(t, cfg.LogFilePath)

	t.Setenv("LOG_FILE", "logs/arena.log")
	cfg = loggingConfig()
	assert.True(t, cfg.LogToFile)
	assert.Equal(t, "logs/arena.log", cfg.LogFilePath)
}
