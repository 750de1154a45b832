// Package config loads the marketplace configuration: protocol constants,
// worker cadence, collaboration limits, and service endpoints. Values come
// from a YAML file with environment-variable overrides (a .env file is
// honored when present).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// Worker cadence
	PollingIntervalS int `yaml:"polling_interval_s"` // Bid-scan cadence
	SyncIntervalS    int `yaml:"sync_interval_s"`    // Full state resync cadence

	// Protocol constants
	BiddingWindowS      int     `yaml:"bidding_window_s"`
	LMax                int     `yaml:"l_max"`
	UThreshold          int     `yaml:"u_threshold"`
	EpsilonInit         float64 `yaml:"epsilon_init"`
	EpsilonFloor        float64 `yaml:"epsilon_floor"`
	EpsilonDecay        float64 `yaml:"epsilon_decay"`
	Eta                 float64 `yaml:"eta"`
	Mu                  int     `yaml:"mu"`
	Alpha               float64 `yaml:"alpha"`
	Delta               float64 `yaml:"delta"`
	Beta                float64 `yaml:"beta"`
	AutoEvalHorizonDays int     `yaml:"auto_eval_horizon_days"`
	AutoEvalQuality     int     `yaml:"auto_eval_quality"`
	RingBufferSize      int     `yaml:"ring_buffer_size"`
	MaxEmptyRounds      int     `yaml:"max_empty_rounds"`
	BurnRemainder       bool    `yaml:"burn_remainder"`
	WorkloadSensitivity float64 `yaml:"workload_sensitivity"`

	// Collaboration
	MaxRounds   int `yaml:"max_rounds"`
	MaxTeamSize int `yaml:"max_team_size"`

	// Services
	ListenAddr string `yaml:"listen_addr"`
	NATSURL    string `yaml:"nats_url"`
	CASDir     string `yaml:"cas_dir"`

	// LLM backend
	LLMBaseURL   string `yaml:"llm_base_url"`
	LLMModel     string `yaml:"llm_model"`
	LLMAPIKey    string `yaml:"-"` // Env only, never serialized
	LLMTimeoutS  int    `yaml:"llm_timeout_s"`
}

// Default returns the canonical configuration.
func Default() Config {
	return Config{
		PollingIntervalS:    30,
		SyncIntervalS:       300,
		BiddingWindowS:      60,
		LMax:                10,
		UThreshold:          30,
		EpsilonInit:         0.10,
		EpsilonFloor:        0.01,
		EpsilonDecay:        0.99,
		Eta:                 0.05,
		Mu:                  70,
		Alpha:               0.6,
		Delta:               0.4,
		Beta:                0.8,
		AutoEvalHorizonDays: 2,
		AutoEvalQuality:     60,
		RingBufferSize:      20,
		MaxEmptyRounds:      3,
		BurnRemainder:       false,
		WorkloadSensitivity: 0.1,
		MaxRounds:           5,
		MaxTeamSize:         4,
		ListenAddr:          ":8080",
		NATSURL:             "",
		CASDir:              "data/cas",
		LLMBaseURL:          "https://api.openai.com/v1",
		LLMModel:            "gpt-4o-mini",
		LLMTimeoutS:         60,
	}
}

// Load reads the YAML file (if path is non-empty) over the defaults, then
// applies environment overrides. A .env file in the working directory is
// loaded first when present.
func Load(path string) (Config, error) {
	cfg := Default()

	_ = godotenv.Load() // Missing .env is not an error

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGORA_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AGORA_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("AGORA_CAS_DIR"); v != "" {
		cfg.CASDir = v
	}
	if v := os.Getenv("AGORA_LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("AGORA_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("AGORA_LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("AGORA_BURN_REMAINDER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.BurnRemainder = b
		}
	}
}

// Validate rejects configurations that would break the update laws.
func (c Config) Validate() error {
	if c.LMax <= 0 {
		return fmt.Errorf("l_max must be positive")
	}
	if c.RingBufferSize <= 0 {
		return fmt.Errorf("ring_buffer_size must be positive")
	}
	if c.Mu < 0 || c.Mu > 100 {
		return fmt.Errorf("mu must be in [0,100]")
	}
	if c.EpsilonFloor > c.EpsilonInit {
		return fmt.Errorf("epsilon_floor above epsilon_init")
	}
	if c.MaxTeamSize <= 0 || c.MaxRounds <= 0 {
		return fmt.Errorf("collaboration limits must be positive")
	}
	return nil
}

// PollingInterval returns the worker scan cadence.
func (c Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalS) * time.Second
}

// SyncInterval returns the full resync cadence.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalS) * time.Second
}

// BiddingWindow returns the default per-task bidding window.
func (c Config) BiddingWindow() time.Duration {
	return time.Duration(c.BiddingWindowS) * time.Second
}

// AutoEvalHorizon returns the delay before system auto-evaluation.
func (c Config) AutoEvalHorizon() time.Duration {
	return time.Duration(c.AutoEvalHorizonDays) * 24 * time.Hour
}

// LLMTimeout returns the per-call LLM deadline.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutS) * time.Second
}
