package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Loader loads configuration from environment variables. Tests can override
// Lookup to inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
}

// Load retrieves the agent configuration from environment variables.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	cfg := Default()

	// The profile goes first so individual variables can override it.
	if name, ok := l.Lookup("PIPELINE_PROFILE"); ok && strings.TrimSpace(name) != "" {
		p, err := ProfileByName(name)
		if err != nil {
			return Config{}, err
		}
		cfg.Profile = p
	}

	lookup := l.Lookup
	overrideString(lookup, "LISTEN_ADDR", &cfg.ListenAddr)
	overrideString(lookup, "LOG_LEVEL", &cfg.LogLevel)
	overrideString(lookup, "VAD_BACKEND", &cfg.VAD.Backend)
	overrideString(lookup, "SILERO_MODEL_PATH", &cfg.VAD.SileroModelPath)
	overrideString(lookup, "ORT_LIB_PATH", &cfg.VAD.ORTLibPath)
	overrideString(lookup, "WHISPER_URL", &cfg.ASR.WhisperURL)
	overrideString(lookup, "STT_LANGUAGE", &cfg.ASR.Language)
	overrideString(lookup, "OPENAI_BASE_URL", &cfg.LLM.BaseURL)
	overrideString(lookup, "OPENAI_API_KEY", &cfg.LLM.APIKey)
	overrideString(lookup, "OPENAI_MODEL", &cfg.LLM.Model)
	overrideString(lookup, "OPENAI_FALLBACK_MODEL", &cfg.LLM.FallbackModel)
	overrideString(lookup, "TTS_URL", &cfg.TTS.URL)
	overrideString(lookup, "TTS_AUTH_TOKEN", &cfg.TTS.AuthToken)
	overrideString(lookup, "MCP_SERVER_URL", &cfg.RAG.MCPServerURL)
	overrideString(lookup, "MCP_CONFIG_PATH", &cfg.RAG.MCPConfigPath)
	overrideString(lookup, "POLICY_DB_PATH", &cfg.RAG.PolicyDBPath)
	overrideString(lookup, "POLICY_DIR", &cfg.RAG.PolicyDir)
	overrideString(lookup, "SAVE_AUDIO_DIR", &cfg.Recorder.Dir)
	cfg.LLM.BaseURL = strings.TrimRight(cfg.LLM.BaseURL, "/")

	var mode string
	overrideString(lookup, "PIPELINE_MODE", &mode)
	if mode != "" {
		cfg.Profile.Mode = Mode(strings.ToLower(mode))
	}

	steps := []func() error{
		func() error { return overrideInt(lookup, "SAMPLE_RATE", &cfg.SampleRate) },
		func() error { return overrideFloat(lookup, "VAD_THRESHOLD", &cfg.VAD.Threshold) },
		func() error { return overrideMillis(lookup, "VAD_MAX_TAIL_MS", &cfg.VAD.TrailingSilence) },
		func() error { return overrideInt(lookup, "VAD_FRAME_SAMPLES", &cfg.VAD.FrameSamples) },
		func() error { return overrideFloat(lookup, "VAD_PREDICTIVE_THRESHOLD", &cfg.VAD.PredictiveThreshold) },
		func() error { return overrideFloat(lookup, "VAD_SAFETY_FLOOR", &cfg.VAD.SafetyFloor) },
		func() error { return overrideMillis(lookup, "PIPELINE_TIMEOUT_MS", &cfg.Profile.Timeout) },
		func() error { return overrideBool(lookup, "PREDICTIVE_TRIGGER", &cfg.Profile.PredictiveTrigger) },
		func() error { return overrideMillis(lookup, "STABILITY_FLOOR_MS", &cfg.Profile.StabilityFloor) },
		func() error { return overrideMillis(lookup, "FORCE_CEILING_MS", &cfg.Profile.ForceCeiling) },
		func() error { return overrideMillis(lookup, "MIN_UTTERANCE_MS", &cfg.Profile.MinUtterance) },
		func() error { return overrideMillis(lookup, "MAX_BUFFER_MS", &cfg.MaxBuffer) },
		func() error { return overrideMillis(lookup, "KEEP_BUFFER_MS", &cfg.KeepBuffer) },
		func() error { return overrideMillis(lookup, "PARTIAL_INTERVAL_MS", &cfg.ASR.PartialInterval) },
		func() error { return overrideMillis(lookup, "ASR_MIN_AUDIO_MS", &cfg.ASR.MinAudio) },
		func() error { return overrideFloat(lookup, "ASR_SILENCE_RMS", &cfg.ASR.SilenceRMS) },
		func() error { return overrideMillis(lookup, "WHISPER_TIMEOUT_MS", &cfg.ASR.WhisperTimeout) },
		func() error { return overrideInt(lookup, "STT_FAST_BEAM_SIZE", &cfg.ASR.FastBeamSize) },
		func() error { return overrideInt(lookup, "STT_THOROUGH_BEAM_SIZE", &cfg.ASR.ThoroughBeam) },
		func() error { return overrideMillis(lookup, "DEDUP_WINDOW_MS", &cfg.Dedup.Window) },
		func() error { return overrideMillis(lookup, "DEDUP_COOLDOWN_MS", &cfg.Dedup.Cooldown) },
		func() error { return overrideFloat(lookup, "DEDUP_SIMILARITY", &cfg.Dedup.Similarity) },
		func() error { return overrideInt(lookup, "TTS_CACHE_SIZE", &cfg.CacheSize) },
		func() error { return overrideInt(lookup, "LLM_MAX_TOKENS", &cfg.LLM.MaxTokens) },
		func() error { return overrideMillis(lookup, "TTS_TIMEOUT_MS", &cfg.TTS.Timeout) },
		func() error { return overrideInt(lookup, "RAG_TOP_K", &cfg.RAG.TopK) },
		func() error { return overrideFloat(lookup, "RAG_MIN_SCORE", &cfg.RAG.MinScore) },
		func() error { return overrideBool(lookup, "RAG_SCOPE_CHECK", &cfg.RAG.ScopeCheck) },
		func() error { return overrideBool(lookup, "SAVE_AUDIO_ENABLED", &cfg.Recorder.Enabled) },
		func() error { return overrideInt(lookup, "SAVE_AUDIO_RETENTION_HOURS", &cfg.Recorder.RetentionHours) },
		func() error { return overrideInt(lookup, "SAVE_AUDIO_MAX_FILES", &cfg.Recorder.MaxFiles) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float64) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideMillis(lookup func(string) (string, bool), key string, target *time.Duration) error {
	ms := -1
	if err := overrideInt(lookup, key, &ms); err != nil {
		return err
	}
	if ms < 0 {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			return fmt.Errorf("config: invalid value for %s: negative duration", key)
		}
		return nil
	}
	*target = time.Duration(ms) * time.Millisecond
	return nil
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}
