package config

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Generation GenerationConfig
	Engine     EngineConfig
	Policy     PolicyConfig
	Worker     WorkerConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type StorageConfig struct {
	DataDir string
}

type GenerationConfig struct {
	// Vendors is a comma-separated fallback order: openai, gemini, ollama, static.
	Vendors       string
	RetryBudget   int
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAIAPIKey  string
	GeminiModel   string
	GeminiAPIKey  string
	OllamaBaseURL string
	OllamaModel   string
}

type EngineConfig struct {
	BatchSize          int
	CheckpointInterval int
	ChunkSize          int
}

type PolicyConfig struct {
	AggressiveProseRatio    float64
	PreservationFloor       float64
	MinLengthRatio          float64
	GateFloor               int
	GateWarning             int
	AlgorithmicWeight       float64
	ComplianceWeight        float64
	ContradictionPenalty    int
	MaxContradictionPenalty int
}

type WorkerConfig struct {
	PollInterval string
	Concurrency  int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Generation: GenerationConfig{
			Vendors:       "ollama",
			RetryBudget:   2,
			OpenAIModel:   "gpt-4o-mini",
			GeminiModel:   "gemini-2.0-flash",
			OllamaBaseURL: "http://localhost:11434",
			OllamaModel:   "mistral-nemo",
		},
		Engine: EngineConfig{
			BatchSize:          1,
			CheckpointInterval: 3,
			ChunkSize:          16,
		},
		Policy: PolicyConfig{
			AggressiveProseRatio:    0.8,
			PreservationFloor:       0.3,
			MinLengthRatio:          0.5,
			GateFloor:               50,
			GateWarning:             70,
			AlgorithmicWeight:       0.6,
			ComplianceWeight:        0.4,
			ContradictionPenalty:    5,
			MaxContradictionPenalty: 20,
		},
		Worker: WorkerConfig{
			PollInterval: "500ms",
			Concurrency:  2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file, environment
// variables, and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/passwright/config.json.
// Environment variables (PASSWRIGHT_*) override file values. API keys are
// read from the environment or, failing that, from the secrets file.
//
// Load does not check that the configured vendors are usable; commands
// that generate text call Validate.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), NewSecrets())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)
	return cfg, nil
}

// Vendors returns the configured vendor names in fallback order.
func (c Config) Vendors() []string {
	var out []string
	for _, v := range strings.Split(c.Generation.Vendors, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// PollInterval parses worker.poll_interval, falling back to 500ms.
func (c Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Worker.PollInterval)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// Validate reports settings that would stop a job from running.
func (c Config) Validate() error {
	var problems []string

	vendors := c.Vendors()
	if len(vendors) == 0 {
		problems = append(problems, "generation.vendors is empty")
	}
	for _, v := range vendors {
		switch v {
		case "openai":
			if c.Generation.OpenAIAPIKey == "" {
				problems = append(problems, "OpenAI API key: set PASSWRIGHT_OPENAI_API_KEY or the openai_api_key secret")
			}
		case "gemini":
			if c.Generation.GeminiAPIKey == "" {
				problems = append(problems, "Gemini API key: set PASSWRIGHT_GEMINI_API_KEY or the gemini_api_key secret")
			}
		case "ollama", "static":
		default:
			problems = append(problems, fmt.Sprintf("unknown generation vendor %q", v))
		}
	}

	p := c.Policy
	if p.AlgorithmicWeight < 0 || p.ComplianceWeight < 0 || math.Abs(p.AlgorithmicWeight+p.ComplianceWeight-1) > 1e-6 {
		problems = append(problems, "policy weights must be non-negative and sum to 1")
	}
	if p.GateFloor > p.GateWarning {
		problems = append(problems, "policy.gate_floor must not exceed policy.gate_warning")
	}
	for name, v := range map[string]float64{
		"policy.aggressive_prose_ratio": p.AggressiveProseRatio,
		"policy.preservation_floor":     p.PreservationFloor,
		"policy.min_length_ratio":       p.MinLengthRatio,
	} {
		if v < 0 || v > 1 {
			problems = append(problems, name+" must be between 0 and 1")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}
