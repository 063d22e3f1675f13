package vcs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repo for tests. It records commits without
// touching a real working directory. StageErr, CommitErr and Busy
// inject failures at the respective phases.
type MemoryRepo struct {
	mu      sync.Mutex
	commits []CommitInfo

	StageErr  error
	CommitErr error
	Busy      bool
}

// NewMemoryRepo creates an empty in-memory repository.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

// StageAndCommit records a commit covering the given paths. An empty
// path set reports ErrNothingToCommit, mirroring the empty-changeset
// skip of the git implementation.
func (r *MemoryRepo) StageAndCommit(_ context.Context, paths []string, message string, author Author) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Busy {
		return "", fmt.Errorf("%w: simulated index lock", ErrRepoBusy)
	}
	if r.StageErr != nil {
		return "", r.StageErr
	}
	if len(paths) == 0 {
		return "", ErrNothingToCommit
	}
	if r.CommitErr != nil {
		return "", r.CommitErr
	}
	if message == "" {
		return "", fmt.Errorf("vcs: commit message cannot be empty")
	}

	id := uuid.NewString()
	r.commits = append(r.commits, CommitInfo{
		ID:        id,
		Author:    author.Name,
		Email:     author.Email,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	return id, nil
}

// History returns up to limit commits, newest first.
func (r *MemoryRepo) History(_ context.Context, limit int) ([]CommitInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.commits) {
		limit = len(r.commits)
	}
	out := make([]CommitInfo, 0, limit)
	for i := len(r.commits) - 1; i >= len(r.commits)-limit; i-- {
		out = append(out, r.commits[i])
	}
	return out, nil
}

// CommitCount returns the number of commits recorded.
func (r *MemoryRepo) CommitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}
