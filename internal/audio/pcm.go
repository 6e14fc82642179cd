// Package audio holds helpers for fixed-rate mono 16-bit little-endian PCM.
package audio

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the rate callers stream at.
	DefaultSampleRate = 16000
	// BytesPerSample for PCM16 mono.
	BytesPerSample = 2
)

// Duration returns the playback duration of n bytes of PCM16 mono audio.
func Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the byte length of d worth of audio, rounded down to a
// whole sample.
func BytesFor(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := int(int64(d) * int64(sampleRate) / int64(time.Second))
	return samples * BytesPerSample
}

// ToFloat32 converts PCM s16le bytes to float32 samples in [-1, 1). A
// trailing odd byte is ignored.
func ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// FromFloat32 converts normalized samples back to PCM s16le, clamping to
// the int16 range.
func FromFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := math.Round(float64(s) * 32768.0)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// RMS returns the root-mean-square energy of normalized samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSBytes is RMS over PCM16 bytes, normalized to [0, 1].
func RMSBytes(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		f := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}

// Normalize scales samples so the absolute peak equals target. Silent input
// is returned unchanged. The input slice is not modified.
func Normalize(samples []float32, target float32) []float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	out := make([]float32, len(samples))
	if peak == 0 {
		copy(out, samples)
		return out
	}
	gain := target / peak
	for i, s := range samples {
		out[i] = s * gain
	}
	return out
}

// Fingerprint returns the hex SHA-256 of pcm. Empty input yields "".
func Fingerprint(pcm []byte) string {
	if len(pcm) == 0 {
		return ""
	}
	sum := sha256.Sum256(pcm)
	return hex.EncodeToString(sum[:])
}
