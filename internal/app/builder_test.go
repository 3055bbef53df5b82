package app

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galata/internal/config"
	"galata/internal/store/journal"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	catalogPath := filepath.Join(dir, "instruments.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(
		"instruments:\n  GARAN:\n    lot_size: \"1\"\n    tick_size: \"0.01\"\n"), 0o644))

	return &config.Config{
		App: config.AppConfig{
			LogLevel:    "error",
			HTTPAddr:    ":0",
			DBPath:      filepath.Join(dir, "galata.db"),
			JournalPath: filepath.Join(dir, "journal.db"),
		},
		Broker: config.BrokerConfig{
			BaseURL:                "https://api.example.com",
			APIKey:                 "API-" + base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")),
			TimeoutSeconds:         5,
			RateIntervalSeconds:    1,
			RateBurst:              10,
			BreakerWindow:          10,
			BreakerRatio:           0.5,
			BreakerCooldownSeconds: 30,
			RetryMaxAttempts:       2,
			RetryBaseMs:            1,
			RetryMaxMs:             5,
		},
		Session: config.SessionConfig{
			UserID:                   "primary",
			KeepAliveIntervalSeconds: 300,
			KeepAliveRetryBudget:     2,
			OtpTTLSeconds:            120,
			TokenTTLHours:            24,
		},
		Reconcile: config.ReconcileConfig{Enabled: true, IntervalSeconds: 30},
		Trading: config.TradingConfig{
			ModifyStrategy:      "amend",
			StaleMarkSeconds:    10,
			PendingGraceSeconds: 600,
		},
		Instruments: config.InstrumentsConfig{CatalogPath: catalogPath},
	}
}

func TestBuilderWiresTheGraph(t *testing.T) {
	a, err := NewAppBuilder(testConfig(t)).Build(context.Background())
	require.NoError(t, err)
	defer a.shutdown()

	assert.NotNil(t, a.server)
	assert.NotNil(t, a.sessions)
	assert.NotNil(t, a.reconciler)
	assert.NotNil(t, a.bus)
	assert.Nil(t, a.stream, "stream stays off unless ws is configured")
	assert.Equal(t, "primary", a.cfg.Session.UserID)
	assert.Positive(t, a.keepAliveEvery)
	assert.Positive(t, a.reconcileEvery)
}

func TestBuilderOptionalPieces(t *testing.T) {
	t.Run("reconcile disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Reconcile.Enabled = false
		a, err := NewAppBuilder(cfg).Build(context.Background())
		require.NoError(t, err)
		defer a.shutdown()
		assert.Nil(t, a.reconciler)
	})

	t.Run("stream enabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Broker.WSEnabled = true
		cfg.Broker.WSURL = "wss://ws.example.com/ws"
		a, err := NewAppBuilder(cfg).Build(context.Background())
		require.NoError(t, err)
		defer a.shutdown()
		assert.NotNil(t, a.stream)
	})

	t.Run("no catalog", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Instruments.CatalogPath = ""
		a, err := NewAppBuilder(cfg).Build(context.Background())
		require.NoError(t, err)
		defer a.shutdown()
		assert.NotNil(t, a.server)
	})
}

func TestBuilderPropagatesStageFailures(t *testing.T) {
	boom := errors.New("journal disk full")
	b := NewAppBuilder(testConfig(t), func(b *AppBuilder) {
		b.journalFn = func(string) (*journal.Store, error) { return nil, boom }
	})
	_, err := b.Build(context.Background())
	assert.ErrorIs(t, err, boom)
}

// Kicking the reconcile loop before Run started it must be harmless; the
// websocket feed can fire its first order event at any moment.
func TestKickBeforeRun(t *testing.T) {
	a, err := NewAppBuilder(testConfig(t)).Build(context.Background())
	require.NoError(t, err)
	defer a.shutdown()
	a.kickReconcile()
}
