//go:build !silero

package vad

// SileroClassifier is unavailable without the silero build tag.
type SileroClassifier struct{}

// NewSileroClassifier always fails in builds without the silero tag.
func NewSileroClassifier(modelPath, libPath string) (*SileroClassifier, error) {
	return nil, ErrModelUnavailable
}

func (c *SileroClassifier) FrameSize() int { return DefaultFrameSamples }

func (c *SileroClassifier) SpeechProbability([]float32) (float64, error) {
	return 0, ErrModelUnavailable
}

func (c *SileroClassifier) Reset() error { return nil }

func (c *SileroClassifier) Close() error { return nil }
