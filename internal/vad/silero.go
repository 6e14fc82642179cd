//go:build silero

package vad

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// sileroWindowSize is the number of samples per inference call.
	// Silero VAD v5 at 16 kHz requires exactly 512 samples (32 ms).
	sileroWindowSize = 512
	sileroStateSize  = 128
	sileroSampleRate = 16000
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// SileroClassifier runs Silero VAD v5 through ONNX Runtime. The recurrent
// state is carried between frames, so one instance serves one session.
type SileroClassifier struct {
	mu      sync.Mutex
	session *ort.AdvancedSession

	inputTensor  *ort.Tensor[float32] // [1, 512]
	stateTensor  *ort.Tensor[float32] // [2, 1, 128]
	srTensor     *ort.Tensor[int64]
	outputTensor *ort.Tensor[float32] // [1, 1]
	stateNTensor *ort.Tensor[float32] // [2, 1, 128]
}

// NewSileroClassifier loads the model at modelPath. libPath overrides the
// ONNX Runtime shared library location; empty searches next to the binary.
func NewSileroClassifier(modelPath, libPath string) (*SileroClassifier, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("%w: SILERO_MODEL_PATH not set", ErrModelUnavailable)
	}
	model, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("silero: read model: %w", err)
	}

	ortInitOnce.Do(func() {
		path, err := resolveORTLibPath(libPath)
		if err != nil {
			ortInitErr = fmt.Errorf("resolve ORT lib: %w", err)
			return
		}
		ort.SetSharedLibraryPath(path)
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("silero: %w", ortInitErr)
	}

	c := &SileroClassifier{}
	if c.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, sileroWindowSize)); err != nil {
		return nil, fmt.Errorf("silero: create input tensor: %w", err)
	}
	if c.stateTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize)); err != nil {
		c.Close()
		return nil, fmt.Errorf("silero: create state tensor: %w", err)
	}
	if c.srTensor, err = ort.NewTensor(ort.NewShape(1), []int64{sileroSampleRate}); err != nil {
		c.Close()
		return nil, fmt.Errorf("silero: create sr tensor: %w", err)
	}
	if c.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		c.Close()
		return nil, fmt.Errorf("silero: create output tensor: %w", err)
	}
	if c.stateNTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize)); err != nil {
		c.Close()
		return nil, fmt.Errorf("silero: create stateN tensor: %w", err)
	}
	clear(c.stateTensor.GetData())
	clear(c.stateNTensor.GetData())

	c.session, err = ort.NewAdvancedSessionWithONNXData(
		model,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{c.inputTensor, c.stateTensor, c.srTensor},
		[]ort.Value{c.outputTensor, c.stateNTensor},
		nil,
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("silero: create session: %w", err)
	}
	return c, nil
}

func (c *SileroClassifier) FrameSize() int { return sileroWindowSize }

// SpeechProbability runs one inference and carries the recurrent state
// forward.
func (c *SileroClassifier) SpeechProbability(frame []float32) (float64, error) {
	if len(frame) != sileroWindowSize {
		return 0, fmt.Errorf("silero: frame has %d samples, want %d", len(frame), sileroWindowSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0, ErrModelUnavailable
	}
	copy(c.inputTensor.GetData(), frame)
	if err := c.session.Run(); err != nil {
		return 0, fmt.Errorf("silero: inference: %w", err)
	}
	prob := c.outputTensor.GetData()[0]
	copy(c.stateTensor.GetData(), c.stateNTensor.GetData())
	return float64(prob), nil
}

// Reset zeroes the recurrent state.
func (c *SileroClassifier) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateTensor != nil {
		clear(c.stateTensor.GetData())
	}
	return nil
}

// Close releases ONNX Runtime resources. Safe to call multiple times.
func (c *SileroClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
		c.inputTensor = nil
	}
	if c.stateTensor != nil {
		c.stateTensor.Destroy()
		c.stateTensor = nil
	}
	if c.srTensor != nil {
		c.srTensor.Destroy()
		c.srTensor = nil
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
		c.outputTensor = nil
	}
	if c.stateNTensor != nil {
		c.stateNTensor.Destroy()
		c.stateNTensor = nil
	}
	return nil
}
