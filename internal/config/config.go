package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clinical-triage/internal/escalation"
	"clinical-triage/internal/triage"
)

const (
	configPathEnv       = "TRIAGE_CONFIG"
	databaseURLEnv      = "DATABASE_URL"
	redisAddrEnv        = "REDIS_ADDR"
	natsURLEnv          = "NATS_URL"
	telegramTokenEnv    = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv   = "TELEGRAM_CHAT_ID"
	assessorAPIKeyEnv   = "ASSESSOR_API_KEY"
	assessorModelEnv    = "ASSESSOR_MODEL"
	assessorEndpointEnv = "ASSESSOR_ENDPOINT"
	transcriberURLEnv   = "STT_URL"
	portEnv             = "PORT"
	logLevelEnv         = "LOG_LEVEL"
)

// Config holds every setting the server needs.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Redis         RedisConfig        `yaml:"redis"`
	NATS          NATSConfig         `yaml:"nats"`
	Telegram      TelegramConfig     `yaml:"telegram"`
	Assessor      AssessorConfig     `yaml:"assessor"`
	Transcriber   TranscriberConfig  `yaml:"transcriber"`
	Queue         QueueConfig        `yaml:"queue"`
	Escalation    EscalationConfig   `yaml:"escalation"`
	Notifications NotificationConfig `yaml:"notifications"`
	Logging       LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig describes the Postgres case store. An empty DSN keeps cases in memory.
type DatabaseConfig struct {
	DSN        string `yaml:"dsn"`
	Migrations string `yaml:"migrations"`
}

// RedisConfig points at the shared validation queue. An empty address keeps the queue in memory.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

type NATSConfig struct {
	URL       string `yaml:"url"`
	Name      string `yaml:"name"`
	JetStream bool   `yaml:"jetStream"`
}

type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// ChatIDValue parses the chat id; 0 means unset or invalid.
func (t TelegramConfig) ChatIDValue() int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(t.ChatID), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// AssessorConfig configures the secondary assessment model. Without an API key
// triage runs on rules alone.
type AssessorConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"apiKey"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

func (a AssessorConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// TranscriberConfig points at the speech-to-text service. Empty disables voice submissions.
type TranscriberConfig struct {
	URL string `yaml:"url"`
}

type QueueConfig struct {
	AverageServiceMinutes int `yaml:"averageServiceMinutes"`
}

func (q QueueConfig) AverageService() time.Duration {
	return time.Duration(q.AverageServiceMinutes) * time.Minute
}

type EscalationConfig struct {
	SweepIntervalSeconds int                     `yaml:"sweepIntervalSeconds"`
	Workers              int                     `yaml:"workers"`
	Policies             map[string]PolicyConfig `yaml:"policies"`
	Supervisors          []string                `yaml:"supervisors"`
}

func (e EscalationConfig) SweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalSeconds) * time.Second
}

// PolicyConfig overrides one tier's SLA. Unset fields keep the default.
type PolicyConfig struct {
	MaxWaitMinutes      int   `yaml:"maxWaitMinutes"`
	DefaultToHigherCare *bool `yaml:"defaultToHigherCare"`
}

type NotificationConfig struct {
	SupervisorTopic  string `yaml:"supervisorTopic"`
	CoordinatorTopic string `yaml:"coordinatorTopic"`
	PatientTopic     string `yaml:"patientTopic"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// EscalationPolicies builds the per-tier SLA table, starting from the built-in
// defaults and applying configured overrides. Unknown tier names are ignored.
func (c Config) EscalationPolicies() escalation.Policies {
	policies := escalation.DefaultPolicies()
	for name, pc := range c.Escalation.Policies {
		tier, err := triage.ParseTier(name)
		if err != nil {
			log.Printf("config: ignoring policy for unknown tier %q", name)
			continue
		}
		pol := policies[tier]
		if pc.MaxWaitMinutes > 0 {
			pol.MaxWait = time.Duration(pc.MaxWaitMinutes) * time.Minute
		}
		if pc.DefaultToHigherCare != nil {
			pol.DefaultToHigherCare = *pc.DefaultToHigherCare
		}
		policies[tier] = pol
	}
	return policies
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseURLEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(natsURLEnv); v != "" {
		c.NATS.URL = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Telegram.ChatID = v
	}

	if v := os.Getenv(assessorAPIKeyEnv); v != "" {
		c.Assessor.APIKey = v
	}
	if v := os.Getenv(assessorModelEnv); v != "" {
		c.Assessor.Model = v
	}
	if v := os.Getenv(assessorEndpointEnv); v != "" {
		c.Assessor.Endpoint = v
	}
	if v := os.Getenv(transcriberURLEnv); v != "" {
		c.Transcriber.URL = v
	}

	if v := os.Getenv(portEnv); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Server.Port != "" {
		base.Server.Port = override.Server.Port
	}

	if override.Database.DSN != "" {
		base.Database.DSN = override.Database.DSN
	}
	if override.Database.Migrations != "" {
		base.Database.Migrations = override.Database.Migrations
	}

	if override.Redis.Addr != "" {
		base.Redis.Addr = override.Redis.Addr
	}
	if override.Redis.Prefix != "" {
		base.Redis.Prefix = override.Redis.Prefix
	}

	if override.NATS.URL != "" {
		base.NATS.URL = override.NATS.URL
	}
	if override.NATS.Name != "" {
		base.NATS.Name = override.NATS.Name
	}
	base.NATS.JetStream = base.NATS.JetStream || override.NATS.JetStream

	if override.Telegram.BotToken != "" {
		base.Telegram.BotToken = override.Telegram.BotToken
	}
	if override.Telegram.ChatID != "" {
		base.Telegram.ChatID = override.Telegram.ChatID
	}

	if override.Assessor.Endpoint != "" {
		base.Assessor.Endpoint = override.Assessor.Endpoint
	}
	if override.Assessor.Model != "" {
		base.Assessor.Model = override.Assessor.Model
	}
	if override.Assessor.APIKey != "" {
		base.Assessor.APIKey = override.Assessor.APIKey
	}
	if override.Assessor.TimeoutSeconds > 0 {
		base.Assessor.TimeoutSeconds = override.Assessor.TimeoutSeconds
	}

	if override.Transcriber.URL != "" {
		base.Transcriber.URL = override.Transcriber.URL
	}

	if override.Queue.AverageServiceMinutes > 0 {
		base.Queue.AverageServiceMinutes = override.Queue.AverageServiceMinutes
	}

	if override.Escalation.SweepIntervalSeconds > 0 {
		base.Escalation.SweepIntervalSeconds = override.Escalation.SweepIntervalSeconds
	}
	if override.Escalation.Workers > 0 {
		base.Escalation.Workers = override.Escalation.Workers
	}
	if len(override.Escalation.Policies) > 0 {
		base.Escalation.Policies = override.Escalation.Policies
	}
	if len(override.Escalation.Supervisors) > 0 {
		base.Escalation.Supervisors = override.Escalation.Supervisors
	}

	if override.Notifications.SupervisorTopic != "" {
		base.Notifications.SupervisorTopic = override.Notifications.SupervisorTopic
	}
	if override.Notifications.CoordinatorTopic != "" {
		base.Notifications.CoordinatorTopic = override.Notifications.CoordinatorTopic
	}
	if override.Notifications.PatientTopic != "" {
		base.Notifications.PatientTopic = override.Notifications.PatientTopic
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Migrations: "file://migrations"},
		Redis:    RedisConfig{Prefix: "triage:queue:"},
		NATS:     NATSConfig{Name: "clinical-triage"},
		Assessor: AssessorConfig{
			Endpoint:       "https://api.deepseek.com/chat/completions",
			Model:          "deepseek-chat",
			TimeoutSeconds: 20,
		},
		Queue: QueueConfig{AverageServiceMinutes: 15},
		Escalation: EscalationConfig{
			SweepIntervalSeconds: 60,
			Workers:              4,
		},
		Notifications: NotificationConfig{
			SupervisorTopic:  "triage.supervisors",
			CoordinatorTopic: "triage.coordinator",
			PatientTopic:     "triage.patients",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
