// Package vcs is the version-control adapter behind the commit_vcs saga
// step. Commits are append-only; the saga core never rewrites history.
// The repository working directory is a singleton shared resource, so
// implementations serialize staging and committing behind one mutex.
package vcs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRepoBusy is returned when the repository index is locked by a
	// concurrent operation. Busy failures are transient and safe to
	// retry.
	ErrRepoBusy = errors.New("vcs: repository busy")

	// ErrNothingToCommit is returned when the requested paths carry no
	// change. Callers treat it as an empty change set, not a failure.
	ErrNothingToCommit = errors.New("vcs: nothing to commit")
)

// Author identifies the committer recorded on service-made commits.
type Author struct {
	Name  string
	Email string
}

// CommitInfo is one history entry.
type CommitInfo struct {
	ID        string
	Author    string
	Email     string
	Message   string
	Timestamp time.Time
}

// Repo is the narrow surface the saga step library consumes.
//
// StageAndCommit stages the given paths and commits them as one atomic
// operation: no other caller's staged files can be swept into the
// commit, and no other caller can commit this change set out from under
// it. ErrNothingToCommit signals an empty change set; the commit step
// is skipped rather than failed.
type Repo interface {
	StageAndCommit(ctx context.Context, paths []string, message string, author Author) (string, error)
	History(ctx context.Context, limit int) ([]CommitInfo, error)
}
