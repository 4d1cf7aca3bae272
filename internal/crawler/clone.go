package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/models"
)

// ClonedRepo owns a working copy for the duration of one repo scan. Close
// removes the directory unless the clone was kept on request.
type ClonedRepo struct {
	Path string

	repo      *gogit.Repository
	keepClone bool
}

// keepaliveWriter turns clone progress output into liveness signals, so a
// slow clone of a big repository does not trip the scan watchdog.
type keepaliveWriter struct {
	keepalive func()
}

func (w *keepaliveWriter) Write(p []byte) (int, error) {
	if w.keepalive != nil {
		w.keepalive()
	}
	return len(p), nil
}

// CloneRepo clones the repository into the tmpfs tier when its reported size
// is at or under the cutoff, falling back to the filesystem tier when the
// tmpfs clone fails (usually because the size estimate was off and the mount
// filled up).
func CloneRepo(ctx context.Context, repo models.Repo, token string, cfg config.CloneConfig, keepalive func(), keepClone bool) (*ClonedRepo, error) {
	inMemory := repo.SizeKB*1024 <= cfg.TmpfsCutoffBytes

	dir := cfg.FsDir
	if inMemory {
		dir = cfg.TmpfsDir
	}

	cloned, err := cloneInto(ctx, repo, token, filepath.Join(dir, repo.Name), keepalive)
	if err != nil && inMemory {
		slog.Error("Failed to clone into tmpfs, retrying on filesystem",
			"repo", repo.FullName, "error", err)
		cloned, err = cloneInto(ctx, repo, token, filepath.Join(cfg.FsDir, repo.Name), keepalive)
	}
	if err != nil {
		return nil, err
	}
	cloned.keepClone = keepClone
	return cloned, nil
}

func cloneInto(ctx context.Context, repo models.Repo, token, path string, keepalive func()) (*ClonedRepo, error) {
	// A leftover clone from a crashed scan is stale; start fresh.
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("clearing clone path %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating clone parent: %w", err)
	}

	opts := &gogit.CloneOptions{
		URL:      repo.CloneURL,
		Progress: &keepaliveWriter{keepalive: keepalive},
	}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "skillscan", Password: token}
	}

	slog.Debug("Cloning repository", "repo", repo.FullName, "dest", path)
	r, err := gogit.PlainCloneContext(ctx, path, false, opts)
	if err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("cloning %s: %w", repo.FullName, err)
	}
	return &ClonedRepo{Path: path, repo: r}, nil
}

// openRepo wraps an existing working copy; used by tests.
func openRepo(path string) (*ClonedRepo, error) {
	r, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repo at %s: %w", path, err)
	}
	return &ClonedRepo{Path: path, repo: r, keepClone: true}, nil
}

// Commit resolves a commit by SHA in the working copy.
func (c *ClonedRepo) Commit(sha string) (*object.Commit, error) {
	commit, err := c.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return nil, fmt.Errorf("resolving commit %s: %w", sha, err)
	}
	return commit, nil
}

// Close releases the working copy. Cleanup is mandatory on every exit path;
// callers defer this immediately after a successful clone.
func (c *ClonedRepo) Close() error {
	if c.keepClone {
		slog.Info("Keeping clone", "path", c.Path)
		return nil
	}
	if err := os.RemoveAll(c.Path); err != nil {
		return fmt.Errorf("removing clone %s: %w", c.Path, err)
	}
	return nil
}
