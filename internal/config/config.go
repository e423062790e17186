package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/moorgate.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/moorgate.log"`
	Listen       string `envconfig:"LISTEN" default:":8000"`

	// MasterSecret is the root secret for per-account key derivation.
	// Required in production; tests set it explicitly.
	MasterSecret string `envconfig:"MASTER_SECRET" default:""`

	// AgentURL is the base URL of the agent collaborator service.
	AgentURL    string `envconfig:"AGENT_URL" default:"http://localhost:9000"`
	AgentSecret string `envconfig:"AGENT_SECRET" default:""`

	// IdentityURL is the base URL of the OAuth identity collaborator.
	IdentityURL string `envconfig:"IDENTITY_URL" default:""`

	// PaymentWebhookSecret authenticates the payment collaborator's
	// webhook calls.
	PaymentWebhookSecret string `envconfig:"PAYMENT_WEBHOOK_SECRET" default:""`

	// SettingsFile optionally overlays operator-tuned limits on top of
	// the defaults below.
	SettingsFile string `envconfig:"SETTINGS_FILE" default:""`

	SessionIdleTimeout    string `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m" yaml:"session_idle_timeout"`
	SessionSweepEvery     string `envconfig:"SESSION_SWEEP_EVERY" default:"60s" yaml:"session_sweep_every"`
	CreditTickEvery       string `envconfig:"CREDIT_TICK_EVERY" default:"30s" yaml:"credit_tick_every"`
	MaxSessionsPerAccount int    `envconfig:"MAX_SESSIONS_PER_ACCOUNT" default:"3" yaml:"max_sessions_per_account"`

	SSHBinary string `envconfig:"SSH_BINARY" default:"ssh"`
	SocketDir string `envconfig:"SOCKET_DIR" default:""` // defaults to DataPath/sockets
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("MOORGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.SettingsFile != "" {
		if err := overlayFile(&Cfg, Cfg.SettingsFile); err != nil {
			log.Fatalf("failed to load settings file: %v", err)
		}
	}
	if Cfg.SocketDir == "" {
		Cfg.SocketDir = Cfg.DataPath + "/sockets"
	}
}

// overlayFile applies a YAML settings file on top of the env-derived
// configuration. Only keys present in the file are changed.
func overlayFile(s *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// IdleTimeout parses SessionIdleTimeout, falling back to 30 minutes.
func (s Settings) IdleTimeout() time.Duration {
	return parseDuration(s.SessionIdleTimeout, 30*time.Minute)
}

// SweepInterval parses SessionSweepEvery, falling back to one minute.
func (s Settings) SweepInterval() time.Duration {
	return parseDuration(s.SessionSweepEvery, time.Minute)
}

// CreditTick parses CreditTickEvery, falling back to 30 seconds.
func (s Settings) CreditTick() time.Duration {
	return parseDuration(s.CreditTickEvery, 30*time.Second)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
