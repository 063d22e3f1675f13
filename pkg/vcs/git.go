package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GitRepo drives a git working directory through the git CLI. All
// operations run under one mutex: the working directory and its index are
// a process-wide singleton resource.
type GitRepo struct {
	mu  sync.Mutex
	dir string
}

// NewGitRepo opens the git repository at dir, initializing one if absent.
func NewGitRepo(ctx context.Context, dir string) (*GitRepo, error) {
	if dir == "" {
		return nil, fmt.Errorf("vcs: repository directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("vcs: resolve repository path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("vcs: create repository directory: %w", err)
	}

	repo := &GitRepo{dir: abs}
	if _, statErr := os.Stat(filepath.Join(abs, ".git")); os.IsNotExist(statErr) {
		if _, err := repo.git(ctx, "init"); err != nil {
			return nil, fmt.Errorf("vcs: init repository: %w", err)
		}
	}
	return repo, nil
}

// Dir returns the repository working directory.
func (r *GitRepo) Dir() string { return r.dir }

// StageAndCommit stages the given paths and commits them while holding
// the repository mutex across the whole pair. Concurrent callers on
// disjoint paths therefore cannot sweep each other's staged files into
// their commit; the commit itself is also restricted to the given
// pathspec. Deleted paths stage their removal.
func (r *GitRepo) StageAndCommit(ctx context.Context, paths []string, message string, author Author) (string, error) {
	if message == "" {
		return "", fmt.Errorf("vcs: commit message cannot be empty")
	}
	if len(paths) == 0 {
		return "", ErrNothingToCommit
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	addArgs := append([]string{"add", "-A", "--"}, paths...)
	if _, err := r.git(ctx, addArgs...); err != nil {
		return "", err
	}

	staged, err := r.stagedChanges(ctx, paths)
	if err != nil {
		return "", err
	}
	if !staged {
		return "", ErrNothingToCommit
	}

	commitArgs := []string{"commit", "-m", message}
	if author.Name != "" {
		commitArgs = append(commitArgs, "--author", fmt.Sprintf("%s <%s>", author.Name, author.Email))
	}
	commitArgs = append(commitArgs, "--")
	commitArgs = append(commitArgs, paths...)
	env := []string{
		"GIT_COMMITTER_NAME=" + orDefault(author.Name, "civicpress"),
		"GIT_COMMITTER_EMAIL=" + orDefault(author.Email, "records@civicpress.local"),
		"GIT_AUTHOR_NAME=" + orDefault(author.Name, "civicpress"),
		"GIT_AUTHOR_EMAIL=" + orDefault(author.Email, "records@civicpress.local"),
	}
	if _, err := r.gitEnv(ctx, env, commitArgs...); err != nil {
		return "", err
	}

	id, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(id), nil
}

// stagedChanges reports whether any of the given paths has a staged
// change. Callers hold the mutex.
func (r *GitRepo) stagedChanges(ctx context.Context, paths []string) (bool, error) {
	args := append([]string{"status", "--porcelain", "--"}, paths...)
	out, err := r.git(ctx, args...)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) == 0 {
			continue
		}
		// First column is the index status; anything but space or '?'
		// means a staged change.
		if line[0] != ' ' && line[0] != '?' {
			return true, nil
		}
	}
	return false, nil
}

// History returns up to limit commits, newest first.
func (r *GitRepo) History(ctx context.Context, limit int) ([]CommitInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out, err := r.git(ctx, "log", "-n", strconv.Itoa(limit),
		"--pretty=format:%H%x1f%an%x1f%ae%x1f%aI%x1f%s")
	if err != nil {
		// A repository with no commits yet has no log.
		if strings.Contains(err.Error(), "does not have any commits") {
			return nil, nil
		}
		return nil, err
	}

	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\x1f")
		if len(fields) != 5 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, fields[3])
		commits = append(commits, CommitInfo{
			ID:        fields[0],
			Author:    fields[1],
			Email:     fields[2],
			Timestamp: ts,
			Message:   fields[4],
		})
	}
	return commits, nil
}

func (r *GitRepo) git(ctx context.Context, args ...string) (string, error) {
	return r.gitEnv(ctx, nil, args...)
}

func (r *GitRepo) gitEnv(ctx context.Context, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.dir}, args...)...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(output))
		if strings.Contains(text, "index.lock") {
			return "", fmt.Errorf("%w: %s", ErrRepoBusy, text)
		}
		return "", fmt.Errorf("vcs: git %s: %v: %s", args[0], err, text)
	}
	return string(output), nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
