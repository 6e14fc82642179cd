// Package recorder captures triggered utterances to disk for debugging.
// Each utterance is a WAV file with a JSON sidecar that the pipeline
// enriches as the utterance moves through its stages.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voice-agent-lab/internal/audio"
	"github.com/voice-agent-lab/internal/buffer"
	"github.com/voice-agent-lab/internal/logging"
)

// ErrSidecarNotFound is returned when no sidecar matches a correlation id.
var ErrSidecarNotFound = errors.New("recorder: sidecar not found")

// Recorder writes utterance captures into Dir. A nil *Recorder is a no-op.
type Recorder struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	index map[string]string
}

// New returns a recorder for dir, or nil when dir is blank.
func New(dir string) *Recorder {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return &Recorder{dir: dir, now: time.Now, index: make(map[string]string)}
}

// Dir returns the capture directory.
func (r *Recorder) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// SaveUtterance writes the utterance audio and a fresh sidecar named by cid
// and returns the WAV path.
func (r *Recorder) SaveUtterance(cid string, u buffer.Utterance) (string, error) {
	if r == nil {
		return "", nil
	}
	if cid == "" {
		return "", fmt.Errorf("recorder: empty correlation id")
	}
	now := r.now().UTC()
	base := filepath.Join(r.dir, fmt.Sprintf("%s_cid%s", now.Format("20060102T150405.000Z"), cid))
	wavPath := base + ".wav"
	jsonPath := base + ".json"

	if err := SaveFileAtomic(wavPath, audio.MonoWAV(u.PCM, u.SampleRate), 0o644); err != nil {
		return "", fmt.Errorf("recorder: write wav: %w", err)
	}
	sidecar := map[string]interface{}{
		"correlation_id": cid,
		"wav_path":       wavPath,
		"sample_rate":    u.SampleRate,
		"bytes":          len(u.PCM),
		"duration_ms":    u.Duration().Milliseconds(),
		"fingerprint":    u.Fingerprint,
		"created_at":     now.Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return "", err
	}
	if err := SaveFileAtomic(jsonPath, b, 0o644); err != nil {
		_ = os.Remove(wavPath)
		return "", fmt.Errorf("recorder: write sidecar: %w", err)
	}

	r.mu.Lock()
	r.index[cid] = jsonPath
	r.mu.Unlock()
	logging.Debugw("recorder: saved utterance", "path", wavPath, "correlation_id", cid, "bytes", len(u.PCM))
	return wavPath, nil
}

// FindByCID returns the sidecar path for cid or "" when none exists.
func (r *Recorder) FindByCID(cid string) string {
	if r == nil || cid == "" {
		return ""
	}
	r.mu.Lock()
	path, ok := r.index[cid]
	r.mu.Unlock()
	if ok {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	files, err := os.ReadDir(r.dir)
	if err != nil {
		logging.Warnw("recorder: failed to list dir", "dir", r.dir, "err", err)
		return ""
	}
	for _, fi := range files {
		name := fi.Name()
		if strings.HasSuffix(name, ".json") && strings.Contains(name, "cid"+cid) {
			return filepath.Join(r.dir, name)
		}
	}
	return ""
}

// MergeUpdates merges updates into the sidecar for cid and rewrites it
// atomically.
func (r *Recorder) MergeUpdates(cid string, updates map[string]interface{}) error {
	if r == nil {
		return nil
	}
	path := r.FindByCID(cid)
	if path == "" {
		return fmt.Errorf("%w: cid=%s dir=%s", ErrSidecarNotFound, cid, r.dir)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("recorder: read sidecar %s: %w", path, err)
	}
	var sc map[string]interface{}
	if err := json.Unmarshal(b, &sc); err != nil {
		return fmt.Errorf("recorder: invalid sidecar JSON %s: %w", path, err)
	}
	for k, v := range updates {
		sc[k] = v
	}
	nb, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshal sidecar %s: %w", path, err)
	}
	if err := SaveFileAtomic(path, nb, 0o644); err != nil {
		return fmt.Errorf("recorder: write sidecar %s: %w", path, err)
	}
	logging.Debugw("recorder: merged sidecar updates", "path", path, "correlation_id", cid, "keys", len(updates))
	return nil
}
