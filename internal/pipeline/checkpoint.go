package pipeline

import (
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// SaveCheckpoint persists a State snapshot in msgpack form; the
// orchestrator reloads it on the next cycle to score cycle-over-cycle
// drift for the same index.
func SaveCheckpoint(path string, s *State) error {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint reads back a State saved by SaveCheckpoint. A missing
// file is not an error: callers treat it as "no checkpoint yet".
func LoadCheckpoint(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var s State
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
