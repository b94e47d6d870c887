package services

import (
	"context"
	"errors"
	"sync"

	redisclient "github.com/yungbote/gazette-ingest/internal/clients/redis"
)

var ErrRunInProgress = errors.New("run already in progress")

// RunLocker keeps two runs of the same category from overlapping.
type RunLocker interface {
	Acquire(ctx context.Context, category string) (release func(), err error)
}

func IsRunLocked(err error) bool {
	return errors.Is(err, ErrRunInProgress) || errors.Is(err, redisclient.ErrLocked)
}

// localRunLock is the single-process fallback used when Redis is not
// configured.
type localRunLock struct {
	mu      sync.Mutex
	running map[string]bool
}

func NewLocalRunLock() RunLocker {
	return &localRunLock{running: map[string]bool{}}
}

func (l *localRunLock) Acquire(_ context.Context, category string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[category] {
		return nil, ErrRunInProgress
	}
	l.running[category] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.running, category)
			l.mu.Unlock()
		})
	}, nil
}
