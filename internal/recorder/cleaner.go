package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voice-agent-lab/internal/logging"
)

type capture struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

// StartCleaner runs Clean every interval until ctx is done. Caller must call
// wg.Add(1) first; the goroutine calls wg.Done on exit.
func (r *Recorder) StartCleaner(ctx context.Context, wg *sync.WaitGroup, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		if r == nil {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Clean(retention, maxFiles); n > 0 {
					logging.Infow("recorder: cleanup removed captures", "removed", n, "dir", r.dir)
				}
			}
		}
	}()
}

// Clean removes captures older than retention, then the oldest captures
// beyond maxFiles. It returns the number of captures removed.
func (r *Recorder) Clean(retention time.Duration, maxFiles int) int {
	if r == nil {
		return 0
	}
	captures, err := r.list()
	if err != nil {
		logging.Debugw("recorder: cleanup readDir failed", "err", err)
		return 0
	}
	sort.Slice(captures, func(i, j int) bool { return captures[i].mod.Before(captures[j].mod) })

	removed := 0
	cutoff := r.now().Add(-retention)
	kept := captures[:0]
	for _, c := range captures {
		if retention > 0 && c.mod.Before(cutoff) {
			r.remove(c)
			removed++
			continue
		}
		kept = append(kept, c)
	}
	if maxFiles > 0 && len(kept) > maxFiles {
		for _, c := range kept[:len(kept)-maxFiles] {
			r.remove(c)
			removed++
		}
	}
	return removed
}

func (r *Recorder) list() ([]capture, error) {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var out []capture
	for _, fi := range files {
		name := fi.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(r.dir, name)
		st, err := os.Stat(jsonPath)
		if err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if b, err := os.ReadFile(jsonPath); err == nil {
			var sc map[string]interface{}
			if json.Unmarshal(b, &sc) == nil {
				if v, ok := sc["wav_path"].(string); ok && v != "" {
					wavPath = v
				}
			}
		}
		out = append(out, capture{jsonPath: jsonPath, wavPath: wavPath, mod: st.ModTime()})
	}
	return out, nil
}

func (r *Recorder) remove(c capture) {
	_ = os.Remove(c.jsonPath)
	if c.wavPath != "" {
		_ = os.Remove(c.wavPath)
	}
	r.mu.Lock()
	for cid, p := range r.index {
		if p == c.jsonPath {
			delete(r.index, cid)
		}
	}
	r.mu.Unlock()
}
