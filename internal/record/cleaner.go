package record

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/discord-voice-lab/voicerecv/internal/logging"
)

// Clean removes clip pairs (sidecar JSON plus WAV) in dir older than
// retention, then the oldest pairs beyond maxFiles. A zero retention or
// maxFiles disables that rule. It returns how many pairs were removed.
func Clean(dir string, retention time.Duration, maxFiles int, now time.Time) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	type pairInfo struct {
		jsonPath string
		wavPath  string
		mod      time.Time
	}
	var pairs []pairInfo
	for _, fi := range files {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(dir, name)
		info, err := fi.Info()
		if err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if sc, err := ReadSidecar(jsonPath); err == nil && sc.WavPath != "" {
			wavPath = sc.WavPath
		}
		pairs = append(pairs, pairInfo{jsonPath: jsonPath, wavPath: wavPath, mod: info.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	remove := func(p pairInfo) {
		_ = os.Remove(p.jsonPath)
		if p.wavPath != "" {
			_ = os.Remove(p.wavPath)
		}
	}
	removed := 0
	if retention > 0 {
		cutoff := now.Add(-retention)
		for _, p := range pairs {
			if !p.mod.Before(cutoff) {
				break
			}
			remove(p)
			removed++
		}
	}
	if left := len(pairs) - removed; maxFiles > 0 && left > maxFiles {
		for _, p := range pairs[removed : removed+left-maxFiles] {
			remove(p)
			removed++
		}
	}
	return removed, nil
}

// RunCleaner calls Clean every interval until ctx is done.
func RunCleaner(ctx context.Context, dir string, retention, interval time.Duration, maxFiles int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := Clean(dir, retention, maxFiles, time.Now())
			if err != nil {
				logging.Debugw("record: cleanup failed", "dir", dir, "err", err)
				continue
			}
			if n > 0 {
				logging.Infow("record: removed old clips", "dir", dir, "removed", n)
			}
		}
	}
}
