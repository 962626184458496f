// Package store persists scheduler state: the task snapshot file and the
// sqlite database holding run history and cron schedules.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"dlflow/internal/domain"
)

// Snapshot is the on-disk document. Live worker handles never appear in it.
type Snapshot struct {
	IDCounter int64         `json:"task_id_counter"`
	Tasks     []domain.Task `json:"tasks"`
}

// StateFile reads and writes the snapshot document.
type StateFile struct {
	path string
	now  func() time.Time
}

func NewStateFile(path string) *StateFile {
	return &StateFile{path: path, now: time.Now}
}

func (f *StateFile) Path() string { return f.path }

// Save writes the snapshot through a temp file and a rename so a crash leaves
// either the old or the new document.
func (f *StateFile) Save(s Snapshot) error {
	tasks := make([]domain.Task, len(s.Tasks))
	for i, t := range s.Tasks {
		t.Params = withFormatDefaults(t.Params)
		tasks[i] = t
	}
	s.Tasks = tasks
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Load reads and reconciles the snapshot. A missing file is an empty state.
// An unreadable or malformed file is renamed aside with a timestamp suffix and
// loading continues with an empty state; only a failed rename is returned.
func (f *StateFile) Load() (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", f.path).Msg("no state file, starting fresh")
		return Snapshot{}, nil
	}
	if err == nil {
		var s Snapshot
		if err = json.Unmarshal(data, &s); err == nil {
			s = Reconcile(s)
			log.Info().Str("path", f.path).Int("tasks", len(s.Tasks)).Int64("id_counter", s.IDCounter).Msg("state loaded")
			return s, nil
		}
	}

	aside := f.path + ".corrupted_" + f.now().Format("20060102_150405")
	log.Error().Err(err).Str("path", f.path).Str("moved_to", aside).Msg("state file unreadable, starting fresh")
	if rerr := os.Rename(f.path, aside); rerr != nil {
		return Snapshot{}, fmt.Errorf("quarantine state file: %w", rerr)
	}
	return Snapshot{}, nil
}

// Reconcile repairs a freshly loaded snapshot. No worker survives a restart,
// so in-flight states become paused; failure states get their flag back;
// records already marked for deletion are dropped; nothing is queued. The id
// counter never goes below the highest numeric id seen.
func Reconcile(s Snapshot) Snapshot {
	out := Snapshot{IDCounter: s.IDCounter, Tasks: make([]domain.Task, 0, len(s.Tasks))}
	seen := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.ID == "" || seen[t.ID] {
			log.Warn().Str("task_id", t.ID).Str("title", t.Title).Msg("skipping task without a unique id")
			continue
		}
		seen[t.ID] = true
		if n, err := strconv.ParseInt(t.ID, 10, 64); err == nil && n > out.IDCounter {
			out.IDCounter = n
		}
		if t.MarkedForDeletion {
			continue
		}

		switch {
		case !t.Status.Valid():
			t.Status = domain.StatusWaiting
		case t.Status.InFlight():
			t.Status = domain.StatusPaused
			t.Detail = "interrupted"
		}
		t.Paused = t.Status == domain.StatusPaused
		t.Failed = t.Status.IsFailure()
		t.InQueue = false
		t.Progress, t.Speed = "", ""
		t.Params = withFormatDefaults(t.Params)
		out.Tasks = append(out.Tasks, t)
	}
	return out
}

// withFormatDefaults covers records whose params object was missing entirely.
func withFormatDefaults(p domain.Params) domain.Params {
	if p.AudioQuality == "" {
		p.AudioQuality = domain.DefaultAudioQuality
	}
	if p.QualityPreset == "" {
		p.QualityPreset = domain.DefaultQualityPreset
	}
	return p
}
