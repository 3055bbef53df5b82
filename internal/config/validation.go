package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Reconcile.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	if strings.TrimSpace(b.BaseURL) == "" {
		return fmt.Errorf("broker.base_url cannot be empty")
	}
	if strings.TrimSpace(b.APIKey) == "" {
		return fmt.Errorf("broker.api_key cannot be empty")
	}
	if b.TimeoutSeconds <= 0 {
		return fmt.Errorf("broker.timeout_seconds must be > 0")
	}
	if b.RateIntervalSeconds <= 0 {
		return fmt.Errorf("broker.rate_interval_seconds must be > 0")
	}
	if b.RateBurst <= 0 {
		return fmt.Errorf("broker.rate_burst must be > 0")
	}
	if b.BreakerWindow < 2 {
		return fmt.Errorf("broker.breaker_window must be >= 2")
	}
	if b.BreakerRatio <= 0 || b.BreakerRatio > 1 {
		return fmt.Errorf("broker.breaker_ratio must be in (0, 1]")
	}
	if b.RetryMaxAttempts < 1 {
		return fmt.Errorf("broker.retry_max_attempts must be >= 1")
	}
	if b.RetryBaseMs <= 0 || b.RetryMaxMs < b.RetryBaseMs {
		return fmt.Errorf("broker retry backoff requires 0 < retry_base_ms <= retry_max_ms")
	}
	if b.WSEnabled && strings.TrimSpace(b.WSURL) == "" {
		return fmt.Errorf("broker.ws_enabled requires broker.ws_url")
	}
	return nil
}

func (s *SessionConfig) validate() error {
	if s.KeepAliveIntervalSeconds <= 0 {
		return fmt.Errorf("session.keepalive_interval_seconds must be > 0")
	}
	if s.KeepAliveRetryBudget < 0 {
		return fmt.Errorf("session.keepalive_retry_budget must be >= 0")
	}
	if s.OtpTTLSeconds <= 0 {
		return fmt.Errorf("session.otp_ttl_seconds must be > 0")
	}
	if s.TokenTTLHours <= 0 {
		return fmt.Errorf("session.token_ttl_hours must be > 0")
	}
	return nil
}

func (r *ReconcileConfig) validate() error {
	if r.IntervalSeconds <= 0 {
		return fmt.Errorf("reconcile.interval_seconds must be > 0")
	}
	return nil
}

func (t *TradingConfig) validate() error {
	switch t.ModifyStrategy {
	case ModifyStrategyAmend, ModifyStrategyCancelRecreate:
	default:
		return fmt.Errorf("trading.modify_strategy must be %q or %q, got %q",
			ModifyStrategyAmend, ModifyStrategyCancelRecreate, t.ModifyStrategy)
	}
	if t.StaleMarkSeconds <= 0 {
		return fmt.Errorf("trading.stale_mark_seconds must be > 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}
