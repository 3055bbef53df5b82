package config

import "strings"

// Config is the top-level configuration carrier for galata.
type Config struct {
	App         AppConfig         `toml:"app"`
	Broker      BrokerConfig      `toml:"broker"`
	Session     SessionConfig     `toml:"session"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Trading     TradingConfig     `toml:"trading"`
	Instruments InstrumentsConfig `toml:"instruments"`
	Notify      NotifyConfig      `toml:"notify"`
}

type AppConfig struct {
	Env         string `toml:"env"`
	LogLevel    string `toml:"log_level"`
	HTTPAddr    string `toml:"http_addr"`
	LogPath     string `toml:"log_path"`
	DBPath      string `toml:"db_path"`
	JournalPath string `toml:"journal_path"`
	WireLogPath string `toml:"wire_log_path"`
	WireDump    bool   `toml:"wire_dump"`
}

// BrokerConfig describes the remote brokerage API and the resilience
// policy applied to every outbound call.
type BrokerConfig struct {
	BaseURL                string  `toml:"base_url"`
	APIKey                 string  `toml:"api_key"`
	TimeoutSeconds         int     `toml:"timeout_seconds"`
	RateIntervalSeconds    int     `toml:"rate_interval_seconds"`
	RateBurst              int     `toml:"rate_burst"`
	BreakerWindow          int     `toml:"breaker_window"`
	BreakerRatio           float64 `toml:"breaker_ratio"`
	BreakerCooldownSeconds int     `toml:"breaker_cooldown_seconds"`
	RetryMaxAttempts       int     `toml:"retry_max_attempts"`
	RetryBaseMs            int     `toml:"retry_base_ms"`
	RetryMaxMs             int     `toml:"retry_max_ms"`
	WSEnabled              bool    `toml:"ws_enabled"`
	WSURL                  string  `toml:"ws_url"`
	InsecureSkipVerify     bool    `toml:"insecure_skip_verify"`
}

// SessionConfig governs the broker session lifecycle: keep-alive cadence,
// the OTP entry window and how long a persisted token is trusted.
type SessionConfig struct {
	// UserID is the local name for the broker login. One AlgoLab API key
	// serves one account, so a single id is enough; API calls that omit
	// user_id fall back to it.
	UserID                   string `toml:"user_id"`
	KeepAliveIntervalSeconds int    `toml:"keepalive_interval_seconds"`
	KeepAliveRetryBudget     int    `toml:"keepalive_retry_budget"`
	OtpTTLSeconds            int    `toml:"otp_ttl_seconds"`
	TokenTTLHours            int    `toml:"token_ttl_hours"`
}

type ReconcileConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

// TradingConfig holds order/position policy knobs that are deliberately
// not hard-coded in the engines.
type TradingConfig struct {
	AllowShort          bool   `toml:"allow_short"`
	StaleMarkSeconds    int    `toml:"stale_mark_seconds"`
	ModifyStrategy      string `toml:"modify_strategy"` // "amend" | "cancel_recreate"
	PendingGraceSeconds int    `toml:"pending_grace_seconds"`
}

type InstrumentsConfig struct {
	CatalogPath string `toml:"catalog_path"`
	Watch       bool   `toml:"watch"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// keySet tracks the config paths that were explicitly present in the file,
// so defaults never clobber an intentional zero value.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes the defaulting rule for one field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
