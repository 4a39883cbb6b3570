package config

import (
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PASSWRIGHT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "PASSWRIGHT_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PASSWRIGHT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "generation.vendors", typ: kString, env: "PASSWRIGHT_GENERATION_VENDORS",
		apply:   func(cfg *Config, v any) { cfg.Generation.Vendors = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Vendors },
	},
	{
		key: "generation.retry_budget", typ: kInt, env: "PASSWRIGHT_GENERATION_RETRY_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Generation.RetryBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.RetryBudget },
	},
	{
		key: "generation.openai_base_url", typ: kString, env: "PASSWRIGHT_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.OpenAIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OpenAIBaseURL },
	},
	{
		key: "generation.openai_model", typ: kString, env: "PASSWRIGHT_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.OpenAIModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OpenAIModel },
	},
	{
		key: "generation.openai_api_key", typ: kString, env: "PASSWRIGHT_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generation.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OpenAIAPIKey },
	},
	{
		key: "generation.gemini_model", typ: kString, env: "PASSWRIGHT_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.GeminiModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.GeminiModel },
	},
	{
		key: "generation.gemini_api_key", typ: kString, env: "PASSWRIGHT_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generation.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.GeminiAPIKey },
	},
	{
		key: "generation.ollama_base_url", typ: kString, env: "PASSWRIGHT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OllamaBaseURL },
	},
	{
		key: "generation.ollama_model", typ: kString, env: "PASSWRIGHT_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.OllamaModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OllamaModel },
	},
	{
		key: "engine.batch_size", typ: kInt, env: "PASSWRIGHT_ENGINE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Engine.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.BatchSize },
	},
	{
		key: "engine.checkpoint_interval", typ: kInt, env: "PASSWRIGHT_ENGINE_CHECKPOINT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Engine.CheckpointInterval = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.CheckpointInterval },
	},
	{
		key: "engine.chunk_size", typ: kInt, env: "PASSWRIGHT_ENGINE_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Engine.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.ChunkSize },
	},
	{
		key: "policy.aggressive_prose_ratio", typ: kFloat, env: "PASSWRIGHT_POLICY_AGGRESSIVE_PROSE_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Policy.AggressiveProseRatio = v.(float64) },
		extract: func(cfg Config) any { return cfg.Policy.AggressiveProseRatio },
	},
	{
		key: "policy.preservation_floor", typ: kFloat, env: "PASSWRIGHT_POLICY_PRESERVATION_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Policy.PreservationFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Policy.PreservationFloor },
	},
	{
		key: "policy.min_length_ratio", typ: kFloat, env: "PASSWRIGHT_POLICY_MIN_LENGTH_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Policy.MinLengthRatio = v.(float64) },
		extract: func(cfg Config) any { return cfg.Policy.MinLengthRatio },
	},
	{
		key: "policy.gate_floor", typ: kInt, env: "PASSWRIGHT_POLICY_GATE_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Policy.GateFloor = v.(int) },
		extract: func(cfg Config) any { return cfg.Policy.GateFloor },
	},
	{
		key: "policy.gate_warning", typ: kInt, env: "PASSWRIGHT_POLICY_GATE_WARNING",
		apply:   func(cfg *Config, v any) { cfg.Policy.GateWarning = v.(int) },
		extract: func(cfg Config) any { return cfg.Policy.GateWarning },
	},
	{
		key: "policy.algorithmic_weight", typ: kFloat, env: "PASSWRIGHT_POLICY_ALGORITHMIC_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Policy.AlgorithmicWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Policy.AlgorithmicWeight },
	},
	{
		key: "policy.compliance_weight", typ: kFloat, env: "PASSWRIGHT_POLICY_COMPLIANCE_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Policy.ComplianceWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Policy.ComplianceWeight },
	},
	{
		key: "policy.contradiction_penalty", typ: kInt, env: "PASSWRIGHT_POLICY_CONTRADICTION_PENALTY",
		apply:   func(cfg *Config, v any) { cfg.Policy.ContradictionPenalty = v.(int) },
		extract: func(cfg Config) any { return cfg.Policy.ContradictionPenalty },
	},
	{
		key: "policy.max_contradiction_penalty", typ: kInt, env: "PASSWRIGHT_POLICY_MAX_CONTRADICTION_PENALTY",
		apply:   func(cfg *Config, v any) { cfg.Policy.MaxContradictionPenalty = v.(int) },
		extract: func(cfg Config) any { return cfg.Policy.MaxContradictionPenalty },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "PASSWRIGHT_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "PASSWRIGHT_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "log.level", typ: kString, env: "PASSWRIGHT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// secretAccount maps a secret key to its entry in the secrets file.
func secretAccount(key string) string {
	switch key {
	case "generation.openai_api_key":
		return "openai_api_key"
	case "generation.gemini_api_key":
		return "gemini_api_key"
	}
	return ""
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return err
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return err
			}
			if ok && v != "" {
				applyRaw(cfg, s, v, "config key "+s.key)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if raw := os.Getenv(s.env); raw != "" {
			applyRaw(cfg, s, raw, "env var "+s.env)
		}
	}
}

func applySecrets(cfg *Config, secrets SecretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := secrets.Get(secretAccount(s.key)); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

// applyRaw parses a string value for s; unparseable values keep the
// current setting.
func applyRaw(cfg *Config, s keySpec, raw, source string) {
	v, err := parseValue(s.typ, raw)
	if err != nil {
		slog.Warn("ignoring unparseable setting; using default value", "source", source, "value", raw, "error", err)
		return
	}
	s.apply(cfg, v)
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	}
	return raw, nil
}
