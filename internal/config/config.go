package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultListenAddr = ":8000"
	DefaultLogLevel   = "info"
	DefaultSampleRate = 16000

	DefaultVADBackend          = "energy"
	DefaultVADThreshold        = 0.5
	DefaultTrailingSilence     = 300 * time.Millisecond
	DefaultFrameSamples        = 512
	DefaultPredictiveThreshold = 0.5
	DefaultSafetyFloor         = 0.3

	DefaultProfile         = "standard"
	DefaultPipelineTimeout = 15 * time.Second
	DefaultStabilityFloor  = 1500 * time.Millisecond
	DefaultForceCeiling    = 6 * time.Second
	DefaultMinUtterance    = 300 * time.Millisecond
	DefaultMaxBuffer       = 10 * time.Second
	DefaultKeepBuffer      = 8 * time.Second

	DefaultPartialInterval = 200 * time.Millisecond
	DefaultASRMinAudio     = 100 * time.Millisecond
	DefaultASRSilenceRMS   = 0.001
	DefaultWhisperTimeout  = 10 * time.Second
	DefaultFastBeamSize    = 1
	DefaultThoroughBeam    = 5

	DefaultDedupWindow     = 2 * time.Second
	DefaultDedupCooldown   = 2 * time.Second
	DefaultDedupSimilarity = 0.9
	DefaultCacheSize       = 100

	DefaultLLMBaseURL   = "http://127.0.0.1:8000/v1"
	DefaultLLMMaxTokens = 4000
	DefaultTTSTimeout   = 10 * time.Second

	DefaultPolicyDBPath = ":memory:"
	DefaultRAGTopK      = 3
	DefaultRAGMinScore  = 0.1

	DefaultSaveAudioDir      = "./debug_audio"
	DefaultRetentionHours    = 24
	DefaultSaveAudioMaxFiles = 200
)

// Mode selects how pipeline stages are scheduled.
type Mode string

const (
	// ModeSequential runs finalize, respond and synthesize strictly one after
	// another.
	ModeSequential Mode = "sequential"
	// ModeParallel overlaps bookkeeping and event emission with the next
	// stage's model call. Results are identical to sequential mode.
	ModeParallel Mode = "parallel"
)

// Profile is the timing and concurrency policy of a session. A zero
// ForceCeiling disables the forced trigger.
type Profile struct {
	Name              string
	Mode              Mode
	PredictiveTrigger bool
	StabilityFloor    time.Duration
	ForceCeiling      time.Duration
	MinUtterance      time.Duration
	Timeout           time.Duration
}

// StandardProfile favours accuracy: sequential stages, silence-only
// boundaries with a forced trigger for run-on speech.
func StandardProfile() Profile {
	return Profile{
		Name:           "standard",
		Mode:           ModeSequential,
		StabilityFloor: DefaultStabilityFloor,
		ForceCeiling:   DefaultForceCeiling,
		MinUtterance:   DefaultMinUtterance,
		Timeout:        DefaultPipelineTimeout,
	}
}

// FastProfile favours latency: overlapped stages and the predictive trigger.
func FastProfile() Profile {
	return Profile{
		Name:              "fast",
		Mode:              ModeParallel,
		PredictiveTrigger: true,
		StabilityFloor:    DefaultStabilityFloor,
		MinUtterance:      DefaultMinUtterance,
		Timeout:           DefaultPipelineTimeout,
	}
}

// ProfileByName returns the named profile.
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard":
		return StandardProfile(), nil
	case "fast":
		return FastProfile(), nil
	default:
		return Profile{}, fmt.Errorf("config: unknown pipeline profile %q", name)
	}
}

// VAD configures the speech-activity detector.
type VAD struct {
	Backend             string
	Threshold           float64
	TrailingSilence     time.Duration
	FrameSamples        int
	PredictiveThreshold float64
	SafetyFloor         float64
	SileroModelPath     string
	ORTLibPath          string
}

// ASR configures the incremental transcriber and its Whisper backend.
type ASR struct {
	PartialInterval time.Duration
	MinAudio        time.Duration
	SilenceRMS      float64
	WhisperURL      string
	WhisperTimeout  time.Duration
	Language        string
	FastBeamSize    int
	ThoroughBeam    int
}

// Dedup configures the duplicate-suppression policy.
type Dedup struct {
	Window     time.Duration
	Cooldown   time.Duration
	Similarity float64
}

// LLM configures the chat completion backend.
type LLM struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	MaxTokens     int
}

// TTS configures the speech synthesis backend.
type TTS struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
}

// RAG configures knowledge retrieval.
type RAG struct {
	MCPServerURL  string
	MCPConfigPath string
	PolicyDBPath  string
	PolicyDir     string
	TopK          int
	MinScore      float64
	ScopeCheck    bool
}

// Recorder configures on-disk capture of utterances.
type Recorder struct {
	Enabled        bool
	Dir            string
	RetentionHours int
	MaxFiles       int
}

// Config is the full agent configuration.
type Config struct {
	ListenAddr string
	LogLevel   string
	SampleRate int

	VAD        VAD
	Profile    Profile
	MaxBuffer  time.Duration
	KeepBuffer time.Duration
	ASR        ASR
	Dedup      Dedup
	CacheSize  int
	LLM        LLM
	TTS        TTS
	RAG        RAG
	Recorder   Recorder
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		LogLevel:   DefaultLogLevel,
		SampleRate: DefaultSampleRate,
		VAD: VAD{
			Backend:             DefaultVADBackend,
			Threshold:           DefaultVADThreshold,
			TrailingSilence:     DefaultTrailingSilence,
			FrameSamples:        DefaultFrameSamples,
			PredictiveThreshold: DefaultPredictiveThreshold,
			SafetyFloor:         DefaultSafetyFloor,
		},
		Profile:    StandardProfile(),
		MaxBuffer:  DefaultMaxBuffer,
		KeepBuffer: DefaultKeepBuffer,
		ASR: ASR{
			PartialInterval: DefaultPartialInterval,
			MinAudio:        DefaultASRMinAudio,
			SilenceRMS:      DefaultASRSilenceRMS,
			WhisperTimeout:  DefaultWhisperTimeout,
			FastBeamSize:    DefaultFastBeamSize,
			ThoroughBeam:    DefaultThoroughBeam,
		},
		Dedup: Dedup{
			Window:     DefaultDedupWindow,
			Cooldown:   DefaultDedupCooldown,
			Similarity: DefaultDedupSimilarity,
		},
		CacheSize: DefaultCacheSize,
		LLM: LLM{
			BaseURL:   DefaultLLMBaseURL,
			MaxTokens: DefaultLLMMaxTokens,
		},
		TTS: TTS{Timeout: DefaultTTSTimeout},
		RAG: RAG{
			PolicyDBPath: DefaultPolicyDBPath,
			TopK:         DefaultRAGTopK,
			MinScore:     DefaultRAGMinScore,
			ScopeCheck:   true,
		},
		Recorder: Recorder{
			Dir:            DefaultSaveAudioDir,
			RetentionHours: DefaultRetentionHours,
			MaxFiles:       DefaultSaveAudioMaxFiles,
		},
	}
}

// Validate rejects inconsistent values.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}
	check(c.SampleRate > 0, "sample rate must be positive, got %d", c.SampleRate)
	check(c.VAD.Backend == "energy" || c.VAD.Backend == "silero", "unknown VAD backend %q", c.VAD.Backend)
	check(c.VAD.Threshold >= 0 && c.VAD.Threshold <= 1, "VAD threshold %v outside [0,1]", c.VAD.Threshold)
	check(c.VAD.PredictiveThreshold >= 0 && c.VAD.PredictiveThreshold <= 1, "predictive threshold %v outside [0,1]", c.VAD.PredictiveThreshold)
	check(c.VAD.SafetyFloor >= 0 && c.VAD.SafetyFloor <= 1, "safety floor %v outside [0,1]", c.VAD.SafetyFloor)
	check(c.VAD.TrailingSilence > 0, "trailing silence must be positive")
	check(c.VAD.FrameSamples > 0, "VAD frame size must be positive")
	check(c.Profile.Mode == ModeSequential || c.Profile.Mode == ModeParallel, "unknown pipeline mode %q", c.Profile.Mode)
	check(c.Profile.Timeout > 0, "pipeline timeout must be positive")
	check(c.Profile.MinUtterance >= 0, "min utterance must not be negative")
	check(c.Profile.ForceCeiling >= 0, "force ceiling must not be negative")
	check(c.MaxBuffer > 0, "max buffer must be positive")
	check(c.KeepBuffer >= 0 && c.KeepBuffer < c.MaxBuffer, "keep buffer %v must be below max buffer %v", c.KeepBuffer, c.MaxBuffer)
	check(c.Profile.ForceCeiling <= c.MaxBuffer, "force ceiling %v exceeds max buffer %v and could never fire", c.Profile.ForceCeiling, c.MaxBuffer)
	check(c.ASR.PartialInterval >= 0, "partial interval must not be negative")
	check(c.ASR.WhisperTimeout > 0, "whisper timeout must be positive")
	check(c.Dedup.Similarity >= 0 && c.Dedup.Similarity <= 1, "dedup similarity %v outside [0,1]", c.Dedup.Similarity)
	check(c.CacheSize > 0, "cache size must be positive")
	check(c.TTS.Timeout > 0, "TTS timeout must be positive")
	check(c.RAG.TopK > 0, "RAG top-k must be positive")
	return errors.Join(errs...)
}
