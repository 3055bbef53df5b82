package config

import "strings"

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9980"
	defaultAppLogPath  = "/data/logs/galata.log"
	defaultAppDBPath   = "/data/db/galata.db"
	defaultAppJournal  = "/data/db/galata-journal.db"
	defaultAppWireLog  = "/data/logs/galata-wire.log"

	defaultBrokerTimeout        = 15
	defaultBrokerRateInterval   = 5
	defaultBrokerRateBurst      = 1
	defaultBreakerWindow        = 10
	defaultBreakerRatio         = 0.5
	defaultBreakerCooldown      = 30
	defaultRetryMaxAttempts     = 3
	defaultRetryBaseMs          = 250
	defaultRetryMaxMs           = 4000
	defaultSessionUserID        = "primary"
	defaultKeepAliveInterval    = 300
	defaultKeepAliveRetryBudget = 2
	defaultOtpTTL               = 120
	defaultTokenTTLHours        = 24
	defaultReconcileInterval    = 30
	defaultStaleMarkSeconds     = 10
	defaultModifyStrategy       = ModifyStrategyAmend
	defaultPendingGraceSeconds  = 600
)

// Modify strategies the order service understands (see trading.modify_strategy).
const (
	ModifyStrategyAmend          = "amend"
	ModifyStrategyCancelRecreate = "cancel_recreate"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Session.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.db_path", &a.DBPath, defaultAppDBPath),
		stringFieldDefault("app.journal_path", &a.JournalPath, defaultAppJournal),
		stringFieldDefault("app.wire_log_path", &a.WireLogPath, defaultAppWireLog),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeout),
		intFieldDefault("broker.rate_interval_seconds", &b.RateIntervalSeconds, defaultBrokerRateInterval),
		intFieldDefault("broker.rate_burst", &b.RateBurst, defaultBrokerRateBurst),
		intFieldDefault("broker.breaker_window", &b.BreakerWindow, defaultBreakerWindow),
		fieldDefault{
			key:   "broker.breaker_ratio",
			need:  func() bool { return b.BreakerRatio <= 0 || b.BreakerRatio > 1 },
			apply: func() { b.BreakerRatio = defaultBreakerRatio },
		},
		intFieldDefault("broker.breaker_cooldown_seconds", &b.BreakerCooldownSeconds, defaultBreakerCooldown),
		intFieldDefault("broker.retry_max_attempts", &b.RetryMaxAttempts, defaultRetryMaxAttempts),
		intFieldDefault("broker.retry_base_ms", &b.RetryBaseMs, defaultRetryBaseMs),
		intFieldDefault("broker.retry_max_ms", &b.RetryMaxMs, defaultRetryMaxMs),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("session.user_id", &s.UserID, defaultSessionUserID),
		intFieldDefault("session.keepalive_interval_seconds", &s.KeepAliveIntervalSeconds, defaultKeepAliveInterval),
		intFieldDefault("session.keepalive_retry_budget", &s.KeepAliveRetryBudget, defaultKeepAliveRetryBudget),
		intFieldDefault("session.otp_ttl_seconds", &s.OtpTTLSeconds, defaultOtpTTL),
		intFieldDefault("session.token_ttl_hours", &s.TokenTTLHours, defaultTokenTTLHours),
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("reconcile.enabled", &r.Enabled, true),
		intFieldDefault("reconcile.interval_seconds", &r.IntervalSeconds, defaultReconcileInterval),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("trading.stale_mark_seconds", &t.StaleMarkSeconds, defaultStaleMarkSeconds),
		stringFieldDefault("trading.modify_strategy", &t.ModifyStrategy, defaultModifyStrategy),
		intFieldDefault("trading.pending_grace_seconds", &t.PendingGraceSeconds, defaultPendingGraceSeconds),
	)
	t.ModifyStrategy = strings.ToLower(strings.TrimSpace(t.ModifyStrategy))
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
