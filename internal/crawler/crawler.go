// Package crawler walks a user's repositories commit by commit and turns
// each authored change into work items for analysis.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/githubapi"
	"github.com/rebase-inc/skillscanner/models"
)

// Sink receives one work item per changed file.
type Sink func(ctx context.Context, item models.WorkItem) error

// CommitHook observes per-commit progress during a crawl.
type CommitHook func(repo models.Repo, ref githubapi.CommitRef)

// API is the slice of the platform client the crawler needs.
type API interface {
	UserRepos(ctx context.Context, login string) ([]models.Repo, error)
	AuthoredCommits(ctx context.Context, owner, name, author string) ([]githubapi.CommitRef, error)
	Token() string
}

// Options tune crawl behaviour shared across repositories.
type Options struct {
	// Keepalive is invoked on clone progress and after each commit, so a
	// watchdog can distinguish slow from stuck.
	Keepalive func()
	// KeepClone leaves working copies on disk for debugging.
	KeepClone bool
}

type Crawler struct {
	api      API
	cloneCfg config.CloneConfig
	opts     Options

	// private-namespace cache keyed by tree hash; commits in one repo share
	// most of their trees.
	namespaces map[string][]string
}

func New(api API, cloneCfg config.CloneConfig, opts Options) *Crawler {
	return &Crawler{
		api:        api,
		cloneCfg:   cloneCfg,
		opts:       opts,
		namespaces: map[string][]string{},
	}
}

// MeasureRepos is the remote-only first pass: it counts authored commits per
// repository without cloning anything, for progress reporting.
func (c *Crawler) MeasureRepos(ctx context.Context, login string, skip func(models.Repo) bool) (map[string]int, error) {
	repos, err := c.crawlableRepos(ctx, login, skip)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, repo := range repos {
		refs, err := c.api.AuthoredCommits(ctx, repo.Owner, repo.Name, login)
		if err != nil {
			return nil, err
		}
		counts[repo.FullName] = len(refs)
		c.keepalive()
	}
	return counts, nil
}

// CrawlRepos is the execution pass: clone each repository with authored
// commits and feed every changed file through the sink. The pass is
// best-effort per repository: a repo that cannot be cloned or whose history
// cannot be walked is logged and skipped, never aborting the scan of the
// remaining repos.
func (c *Crawler) CrawlRepos(ctx context.Context, login string, skip func(models.Repo) bool, sink Sink, afterCommit CommitHook) error {
	repos, err := c.crawlableRepos(ctx, login, skip)
	if err != nil {
		return err
	}
	for _, repo := range repos {
		start := time.Now()
		err := c.CrawlRepo(ctx, repo, login, sink, afterCommit)
		switch {
		case err == nil:
			slog.Info("Crawled repository", "repo", repo.FullName, "user", login, "took", time.Since(start))
		case fatalCrawlError(ctx, err):
			return err
		default:
			slog.Error("Repository crawl failed, moving on",
				"repo", repo.FullName, "user", login, "error", err)
		}
	}
	return nil
}

// fatalCrawlError picks out the failures that must end the whole scan: the
// caller giving up (cancellation, the watchdog) and the API client running
// out of retries, which no later repository would survive either. Everything
// else is scoped to one repository.
func fatalCrawlError(ctx context.Context, err error) bool {
	var limited *githubapi.RateLimitMaxRetriesError
	return ctx.Err() != nil || errors.As(err, &limited)
}

// CrawlRepo scans one repository. Repositories without authored commits are
// skipped before any clone happens.
func (c *Crawler) CrawlRepo(ctx context.Context, repo models.Repo, login string, sink Sink, afterCommit CommitHook) error {
	refs, err := c.api.AuthoredCommits(ctx, repo.Owner, repo.Name, login)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		slog.Debug("No authored commits, skipping clone", "repo", repo.FullName, "user", login)
		return nil
	}

	cloned, err := CloneRepo(ctx, repo, c.api.Token(), c.cloneCfg, c.opts.Keepalive, c.opts.KeepClone)
	if err != nil {
		return err
	}
	defer cloned.Close()

	for _, ref := range refs {
		if err := c.analyzeCommit(ctx, cloned, repo, ref, sink); err != nil {
			return err
		}
		if afterCommit != nil {
			afterCommit(repo, ref)
		}
		c.keepalive()
	}
	return nil
}

// CrawlCommit clones the repository and scans a single commit by SHA.
func (c *Crawler) CrawlCommit(ctx context.Context, repo models.Repo, sha string, sink Sink) error {
	cloned, err := CloneRepo(ctx, repo, c.api.Token(), c.cloneCfg, c.opts.Keepalive, c.opts.KeepClone)
	if err != nil {
		return err
	}
	defer cloned.Close()
	return c.analyzeCommit(ctx, cloned, repo, githubapi.CommitRef{SHA: sha}, sink)
}

func (c *Crawler) crawlableRepos(ctx context.Context, login string, skip func(models.Repo) bool) ([]models.Repo, error) {
	all, err := c.api.UserRepos(ctx, login)
	if err != nil {
		return nil, err
	}
	repos := make([]models.Repo, 0, len(all))
	for _, repo := range all {
		switch {
		case repo.Fork:
			slog.Debug("Skipping fork", "repo", repo.FullName)
		case skip != nil && skip(repo):
			slog.Info("Skipping repository", "repo", repo.FullName)
		default:
			repos = append(repos, repo)
		}
	}
	return repos, nil
}

// analyzeCommit classifies the commit by parent count: the initial commit
// contributes every blob as an addition, a regular commit contributes its
// diff against the sole parent, and merge commits are skipped because their
// changes were authored elsewhere.
func (c *Crawler) analyzeCommit(ctx context.Context, cloned *ClonedRepo, repo models.Repo, ref githubapi.CommitRef, sink Sink) error {
	commit, err := cloned.Commit(ref.SHA)
	if err != nil {
		return err
	}
	commitURL := ref.HTMLURL
	if commitURL == "" {
		commitURL = repo.HTMLURL + "/commit/" + ref.SHA
	}

	switch commit.NumParents() {
	case 0:
		return c.analyzeInitialCommit(ctx, repo, commit, commitURL, sink)
	case 1:
		return c.analyzeRegularCommit(ctx, repo, commit, commitURL, sink)
	default:
		slog.Debug("Skipping merge commit", "repo", repo.FullName, "sha", ref.SHA)
		return nil
	}
}

func (c *Crawler) analyzeRegularCommit(ctx context.Context, repo models.Repo, commit *object.Commit, commitURL string, sink Sink) error {
	parent, err := commit.Parent(0)
	if err != nil {
		return fmt.Errorf("resolving parent of %s: %w", commit.Hash, err)
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return fmt.Errorf("resolving parent tree: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("resolving tree: %w", err)
	}

	changes, err := parentTree.DiffContext(ctx, tree)
	if err != nil {
		return fmt.Errorf("diffing %s against parent: %w", commit.Hash, err)
	}

	private := mergeNames(c.privateModules(parentTree), c.privateModules(tree))

	for _, change := range changes {
		from, to, err := change.Files()
		if err != nil {
			return fmt.Errorf("resolving changed files: %w", err)
		}
		item := models.WorkItem{
			RepoFullName:   repo.FullName,
			CommitSHA:      commit.Hash.String(),
			AuthoredAt:     commit.Author.When,
			PathBefore:     change.From.Name,
			PathAfter:      change.To.Name,
			PrivateModules: private,
			CommitURL:      commitURL,
		}
		if item.BlobBefore, err = fileBytes(from); err != nil {
			return err
		}
		if item.BlobAfter, err = fileBytes(to); err != nil {
			return err
		}
		if err := sink(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) analyzeInitialCommit(ctx context.Context, repo models.Repo, commit *object.Commit, commitURL string, sink Sink) error {
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("resolving tree: %w", err)
	}
	private := c.privateModules(tree)

	return tree.Files().ForEach(func(f *object.File) error {
		blob, err := fileBytes(f)
		if err != nil {
			return err
		}
		return sink(ctx, models.WorkItem{
			RepoFullName:   repo.FullName,
			CommitSHA:      commit.Hash.String(),
			AuthoredAt:     commit.Author.When,
			PathAfter:      f.Name,
			BlobAfter:      blob,
			PrivateModules: private,
			CommitURL:      commitURL,
		})
	})
}

func (c *Crawler) keepalive() {
	if c.opts.Keepalive != nil {
		c.opts.Keepalive()
	}
}

// privateModules lists dotted module names defined in the tree: directories
// holding a package marker and plain source files with a module suffix.
func (c *Crawler) privateModules(tree *object.Tree) []string {
	key := tree.Hash.String()
	if cached, ok := c.namespaces[key]; ok {
		return cached
	}

	seen := map[string]struct{}{}
	tree.Files().ForEach(func(f *object.File) error {
		dir, base := path.Split(f.Name)
		dir = strings.TrimSuffix(dir, "/")
		switch {
		case base == "__init__.py":
			if dir != "" {
				seen[strings.ReplaceAll(dir, "/", ".")] = struct{}{}
			}
		case strings.HasSuffix(base, ".py"):
			name := strings.TrimSuffix(f.Name, ".py")
			seen[strings.ReplaceAll(name, "/", ".")] = struct{}{}
		}
		return nil
	})

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	c.namespaces[key] = names
	return names
}

func mergeNames(a, b []string) []string {
	seen := map[string]struct{}{}
	for _, name := range a {
		seen[name] = struct{}{}
	}
	for _, name := range b {
		seen[name] = struct{}{}
	}
	merged := make([]string, 0, len(seen))
	for name := range seen {
		merged = append(merged, name)
	}
	sort.Strings(merged)
	return merged
}

func fileBytes(f *object.File) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", f.Name, err)
	}
	return []byte(contents), nil
}
