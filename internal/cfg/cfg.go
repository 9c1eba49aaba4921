package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Config adds application-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	BackendURL            string
	ChannelURL            string
	Token                 string
	ReconnectBase         time.Duration
	ReconnectMax          time.Duration
	ReconnectAttempts     int
	StabilizationDelay    time.Duration
	EscalationWebhookURL  string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "local API listen TCP port (1..65535)")
	fs.StringVar(&c.BackendURL, "backend-url", "", "backend REST base URL, e.g. https://api.example.org")
	fs.StringVar(&c.ChannelURL, "channel-url", "", "backend websocket base URL, e.g. wss://api.example.org")
	fs.StringVar(&c.Token, "token", "", "bearer token for the authenticated session")
	fs.DurationVar(&c.ReconnectBase, "reconnect-base", time.Second, "base delay for reconnect backoff")
	fs.DurationVar(&c.ReconnectMax, "reconnect-max", 30*time.Second, "delay cap for reconnect backoff")
	fs.IntVar(&c.ReconnectAttempts, "reconnect-attempts", 10, "reconnect attempt ceiling before realtime updates are marked unavailable (1..100)")
	fs.DurationVar(&c.StabilizationDelay, "stabilization-delay", time.Second, "wait after channel open before the first heartbeat")
	fs.StringVar(&c.EscalationWebhookURL, "escalation-webhook-url", "", "optional Slack webhook for critical alert escalations")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Backend REST base is required, http(s) only
	if err := validateURL("BACKEND_URL", c.BackendURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}

	// Channel base is required, ws(s) only
	if err := validateURL("CHANNEL_URL", c.ChannelURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}

	// Token is required to authenticate both the channel and the gateway
	if c.Token == "" {
		errs = append(errs, errors.New("TOKEN is required"))
	}

	// Reconnect backoff parameters
	if c.ReconnectBase <= 0 {
		errs = append(errs, fmt.Errorf("invalid RECONNECT_BASE %v (must be positive)", c.ReconnectBase))
	}
	if c.ReconnectMax < c.ReconnectBase {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX %v must be at least RECONNECT_BASE %v", c.ReconnectMax, c.ReconnectBase))
	}
	if c.ReconnectAttempts <= 0 || c.ReconnectAttempts > 100 {
		errs = append(errs, fmt.Errorf("invalid RECONNECT_ATTEMPTS %d (must be 1..100)", c.ReconnectAttempts))
	}
	if c.StabilizationDelay <= 0 {
		errs = append(errs, fmt.Errorf("invalid STABILIZATION_DELAY %v (must be positive)", c.StabilizationDelay))
	}

	// Escalation webhook is optional, http(s) only when set
	if c.EscalationWebhookURL != "" {
		if err := validateURL("ESCALATION_WEBHOOK_URL", c.EscalationWebhookURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (scheme must be one of %v)", name, raw, schemes)
}
