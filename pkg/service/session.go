package service

import (
	"context"
	"errors"
	"fmt"
)

// Session is the context of one migration run: the connections to both
// stores, one extra target connection per write worker, and the metadata
// catalog. It replaces any process-wide connection or describe cache.
type Session struct {
	Source  DataService
	Target  DataService
	Workers []DataService
	Catalog *Catalog
}

// NewSession builds a session. workers may be empty, in which case every
// write runs on target.
func NewSession(source, target DataService, workers []DataService, systemFields []string) *Session {
	return &Session{
		Source:  source,
		Target:  target,
		Workers: workers,
		Catalog: NewCatalog(source, target, systemFields),
	}
}

// WorkerCount returns the size of the write worker pool
func (s *Session) WorkerCount() int {
	if len(s.Workers) == 0 {
		return 1
	}
	return len(s.Workers)
}

// Worker returns the target connection bound to worker seq
func (s *Session) Worker(seq int) DataService {
	if seq < 0 || seq >= len(s.Workers) {
		return s.Target
	}
	return s.Workers[seq]
}

// Close closes every distinct connection of the session
func (s *Session) Close(ctx context.Context) error {
	seen := make(map[DataService]bool)
	var errs []error
	for _, svc := range append([]DataService{s.Source, s.Target}, s.Workers...) {
		if svc == nil || seen[svc] {
			continue
		}
		seen[svc] = true
		if err := svc.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error closing connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
