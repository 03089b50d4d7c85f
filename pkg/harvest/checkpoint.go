package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CheckpointFile is the well-known state file name inside the output
// directory. Its presence after a run means "resume available".
const CheckpointFile = "download_state.json"

// Checkpoint is the durable record of harvest progress. It is
// overwritten after every successful batch and deleted only on fully
// successful completion. The JSON field names match the historical
// state file format so existing state files stay readable.
type Checkpoint struct {
	// NextBatch is the batch number a resumed run should start at.
	NextBatch int `json:"batch"`

	// NextKey is the cursor for the next page, nil when exhausted.
	NextKey *string `json:"next_key"`

	// TotalSymbols is the running count of records persisted so far.
	TotalSymbols int `json:"total_symbols"`

	// TotalReported is the backend's total from the first page.
	TotalReported int `json:"total_reported"`
}

// CheckpointStore persists checkpoints in the output directory.
// Writes are atomic (write-then-rename) so a crash never leaves a
// partially written state file.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore creates a store rooted at dir.
func NewCheckpointStore(dir string) *CheckpointStore {
	return &CheckpointStore{dir: dir}
}

func (s *CheckpointStore) path() string {
	return filepath.Join(s.dir, CheckpointFile)
}

// Load returns the stored checkpoint, or (nil, nil) when no state file
// exists. A corrupt file returns an error; callers treat that as
// "start fresh", never as fatal.
func (s *CheckpointStore) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Save overwrites the checkpoint atomically.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, CheckpointFile+".tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint. Clearing an absent checkpoint is not
// an error.
func (s *CheckpointStore) Clear() error {
	if err := os.Remove(s.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
