package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sammrl/owl-redesign-prototype/internal/async"
	"github.com/sammrl/owl-redesign-prototype/internal/task"
)

// snapshotFile is the serialized form of all non-purged tasks.
type snapshotFile struct {
	SavedAt time.Time    `json:"saved_at"`
	Tasks   []*task.Task `json:"tasks"`
}

// Save writes every task to path as JSON. The write goes through a temp file
// and rename so a crash mid-write never truncates the previous snapshot.
func (r *Registry) Save(path string) error {
	snap := snapshotFile{SavedAt: time.Now()}

	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	for _, id := range ids {
		t, err := r.Get(id)
		if err != nil {
			continue
		}
		snap.Tasks = append(snap.Tasks, t)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load restores tasks from a snapshot at path. It only runs when the
// in-memory registry is empty, so a reload can never clobber live state.
// Recovered tasks that were pending or running have, by definition, no live
// worker anymore: they are failed with an orphan error in the same pass
// rather than left to deadlock a polling client forever.
func (r *Registry) Load(path string) error {
	if r.Len() > 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", path, err)
	}

	orphaned := 0
	for _, t := range snap.Tasks {
		if t == nil || t.ID == "" {
			continue
		}
		if !t.Status.IsTerminal() {
			now := time.Now()
			t.Status = task.StatusFailed
			t.Error = &task.TaskError{
				Message: (&task.OrphanError{TaskID: t.ID}).Error(),
				Kind:    task.ErrorKindOrphan,
			}
			t.Result = nil
			if t.CompletedAt == nil {
				t.CompletedAt = &now
			}
			orphaned++
		}
		r.insert(t)
	}

	r.logger.Info("recovered %d tasks from snapshot (%d orphaned)", len(snap.Tasks), orphaned)
	if orphaned > 0 {
		r.dirty.Store(true)
	}
	return nil
}

// StartFlusher persists the registry on interval whenever something changed,
// and once more on shutdown. The final save runs even when ctx is already
// done so the last transitions always hit disk.
func (r *Registry) StartFlusher(ctx context.Context, path string, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	async.Go(r.logger, "registry-flusher", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := r.Save(path); err != nil {
					r.logger.Error("final snapshot failed: %v", err)
				}
				return
			case <-ticker.C:
				if !r.dirty.Swap(false) {
					continue
				}
				if err := r.Save(path); err != nil {
					r.logger.Error("snapshot failed: %v", err)
					r.dirty.Store(true)
				}
			}
		}
	})
}
