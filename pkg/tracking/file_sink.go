package tracking

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileSink appends runs as JSON lines to {dir}/{experiment}/runs.jsonl.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

func NewFileSink(dir string) (*FileSink, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracking directory: %w", err)
	}

	return &FileSink{dir: dir}, nil
}

func (s *FileSink) path(experiment string) string {
	return filepath.Join(s.dir, unsafeName.ReplaceAllString(experiment, "_"), "runs.jsonl")
}

func (s *FileSink) LogRun(_ context.Context, run Run) error {
	err := run.Validate()
	if err != nil {
		return err
	}

	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(run.Experiment)

	err = os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create experiment directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	_, err = file.Write(append(line, '\n'))

	return errors.Join(err, file.Close())
}

// Runs reads back every run logged for an experiment, oldest first.
func (s *FileSink) Runs(experiment string) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path(experiment))
	if errors.Is(err, os.ErrNotExist) {
		return []Run{}, nil
	}

	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	runs := make([]Run, 0)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		var run Run

		err = json.Unmarshal(scanner.Bytes(), &run)
		if err != nil {
			return nil, fmt.Errorf("corrupt run record in %s: %w", experiment, err)
		}

		runs = append(runs, run)
	}

	return runs, scanner.Err()
}
