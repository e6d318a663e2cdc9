package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/aide/internal/agent"
	"github.com/nidhogg/aide/internal/embedding"
	"github.com/nidhogg/aide/internal/memory"
	"github.com/nidhogg/aide/internal/orchestrator"
	"github.com/nidhogg/aide/internal/proactive"
	"github.com/nidhogg/aide/internal/vectorstore"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "configs/aide.json"

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Agents    AgentsConfig     `json:"agents"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Thinking  ThinkingConfig   `json:"thinking"`
	Memory    MemoryConfig     `json:"memory"`
	Database  DatabaseConfig   `json:"database"`
	Embedding embedding.Config `json:"embedding"`
	Notify    NotifyConfig     `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// AgentsConfig holds queue limits and master wait bounds. Durations are seconds.
type AgentsConfig struct {
	MaxPending       int               `json:"max_pending"`
	CompletedHistory int               `json:"completed_history"`
	DefaultTimeout   int               `json:"default_timeout"`
	Timeouts         map[string]int    `json:"timeouts,omitempty"`
	Routes           map[string]string `json:"routes,omitempty"`
	MaxParallel      int               `json:"max_parallel"`
	PerAgent         int               `json:"per_agent"`
}

type SchedulerConfig struct {
	Interval int    `json:"interval"`
	Backoff  int    `json:"backoff"`
	Defaults bool   `json:"defaults_enabled"`
	User     string `json:"user"`
}

type ThinkingConfig struct {
	Interval         int      `json:"interval"`
	RetryAfter       int      `json:"retry_after"`
	WindowDays       int      `json:"window_days"`
	Users            []string `json:"users"`
	Dedupe           bool     `json:"dedupe"`
	WeatherThreshold int      `json:"weather_insight_threshold"`
}

type MemoryConfig struct {
	DataDir      string                `json:"data_dir"`
	SessionDir   string                `json:"session_dir"`
	MaxNotes     int                   `json:"max_notes"`
	MaxContext   int                   `json:"max_context"`
	MaxSummaries int                   `json:"max_summaries"`
	Enhanced     memory.EnhancedConfig `json:"enhanced"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig           `json:"postgres"`
	Redis    RedisConfig              `json:"redis"`
	Qdrant   vectorstore.QdrantConfig `json:"qdrant"`
	Neo4j    Neo4jConfig              `json:"neo4j"`
	SQLite   SQLiteConfig             `json:"sqlite"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type NotifyConfig struct {
	Slack   ChannelConfig `json:"slack"`
	Discord ChannelConfig `json:"discord"`
}

// ChannelConfig is a bot token plus the channel it posts to. An empty token disables it.
type ChannelConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// Default returns a complete configuration with no external services.
func Default() *Config {
	master := orchestrator.DefaultConfig()
	sched := proactive.DefaultSchedulerConfig()
	think := proactive.DefaultThinkingConfig()
	unified := memory.DefaultUnifiedConfig()
	ag := agent.DefaultConfig()

	timeouts := make(map[string]int, len(master.Timeouts))
	for k, v := range master.Timeouts {
		timeouts[k] = int(v / time.Second)
	}

	return &Config{
		Server: ServerConfig{Port: 3210, LogLevel: "development"},
		Agents: AgentsConfig{
			MaxPending:       ag.MaxPending,
			CompletedHistory: ag.CompletedHistory,
			DefaultTimeout:   int(master.DefaultTimeout / time.Second),
			Timeouts:         timeouts,
			Routes:           map[string]string{},
			MaxParallel:      master.MaxParallel,
			PerAgent:         master.PerAgent,
		},
		Scheduler: SchedulerConfig{
			Interval: int(sched.Interval / time.Second),
			Backoff:  int(sched.Backoff / time.Second),
			Defaults: sched.Defaults,
			User:     sched.User,
		},
		Thinking: ThinkingConfig{
			Interval:         int(think.Interval / time.Second),
			RetryAfter:       int(think.RetryAfter / time.Second),
			WindowDays:       think.WindowDays,
			Users:            think.Users,
			Dedupe:           think.Dedupe,
			WeatherThreshold: think.WeatherThreshold,
		},
		Memory: MemoryConfig{
			DataDir:      unified.Dir,
			SessionDir:   "data/sessions",
			MaxNotes:     unified.MaxNotes,
			MaxContext:   unified.MaxContext,
			MaxSummaries: unified.MaxSummaries,
			Enhanced:     memory.DefaultEnhancedConfig(),
		},
		Database: DatabaseConfig{
			Qdrant: vectorstore.QdrantConfig{Port: 6334, Collection: "aide_memory"},
			SQLite: SQLiteConfig{Path: "data/aide.db"},
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:default} with environment values.
func Expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Load reads a JSON config file over the defaults. Fields missing from the
// file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal([]byte(Expand(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Path returns CONFIG_PATH or DefaultPath.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Agent returns the per-agent queue limits.
func (c *Config) Agent() agent.Config {
	return agent.Config{MaxPending: c.Agents.MaxPending, CompletedHistory: c.Agents.CompletedHistory}
}

// Master returns the orchestrator settings.
func (c *Config) Master() orchestrator.Config {
	mc := orchestrator.DefaultConfig()
	if c.Agents.DefaultTimeout > 0 {
		mc.DefaultTimeout = seconds(c.Agents.DefaultTimeout)
	}
	for k, v := range c.Agents.Timeouts {
		mc.Timeouts[k] = seconds(v)
	}
	for k, v := range c.Agents.Routes {
		mc.Routes[k] = v
	}
	if c.Agents.MaxParallel > 0 {
		mc.MaxParallel = c.Agents.MaxParallel
	}
	if c.Agents.PerAgent > 0 {
		mc.PerAgent = c.Agents.PerAgent
	}
	return mc
}

// SchedulerSettings returns the proactive scheduler settings.
func (c *Config) SchedulerSettings() proactive.SchedulerConfig {
	return proactive.SchedulerConfig{
		Interval: seconds(c.Scheduler.Interval),
		Backoff:  seconds(c.Scheduler.Backoff),
		Defaults: c.Scheduler.Defaults,
		User:     c.Scheduler.User,
	}
}

// ThinkingSettings returns the thinking engine settings.
func (c *Config) ThinkingSettings() proactive.ThinkingConfig {
	return proactive.ThinkingConfig{
		Interval:         seconds(c.Thinking.Interval),
		RetryAfter:       seconds(c.Thinking.RetryAfter),
		WindowDays:       c.Thinking.WindowDays,
		Users:            c.Thinking.Users,
		Dedupe:           c.Thinking.Dedupe,
		WeatherThreshold: c.Thinking.WeatherThreshold,
	}
}

// Unified returns the unified memory settings.
func (c *Config) Unified() memory.UnifiedConfig {
	return memory.UnifiedConfig{
		Dir:          c.Memory.DataDir,
		MaxNotes:     c.Memory.MaxNotes,
		MaxContext:   c.Memory.MaxContext,
		MaxSummaries: c.Memory.MaxSummaries,
	}
}
