package crawler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/githubapi"
	"github.com/rebase-inc/skillscanner/models"
)

func initRepo(t *testing.T) (string, *gogit.Worktree) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	return dir, wt
}

func commitFiles(t *testing.T, dir string, wt *gogit.Worktree, files map[string]string, removals []string, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	for name, contents := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", name, err)
		}
		if err := os.WriteFile(full, []byte(contents), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	for _, name := range removals {
		if _, err := wt.Remove(name); err != nil {
			t.Fatalf("remove %s: %v", name, err)
		}
	}
	opts := &gogit.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	}
	if len(parents) > 0 {
		opts.Parents = parents
	}
	hash, err := wt.Commit("change", opts)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash
}

func collect(items *[]models.WorkItem) Sink {
	return func(_ context.Context, item models.WorkItem) error {
		*items = append(*items, item)
		return nil
	}
}

func analyze(t *testing.T, dir string, hash plumbing.Hash) []models.WorkItem {
	t.Helper()
	cloned, err := openRepo(dir)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	var items []models.WorkItem
	c := New(nil, config.CloneConfig{}, Options{})
	repo := models.Repo{FullName: "dev/project", HTMLURL: "https://example.com/dev/project"}
	err = c.analyzeCommit(context.Background(), cloned, repo, githubapi.CommitRef{SHA: hash.String()}, collect(&items))
	if err != nil {
		t.Fatalf("analyze commit: %v", err)
	}
	return items
}

func TestInitialCommitEmitsAddOnlyItemPerBlob(t *testing.T) {
	dir, wt := initRepo(t)
	hash := commitFiles(t, dir, wt, map[string]string{
		"main.py": "import os\n",
		"util.py": "import json\n",
		"README":  "docs\n",
	}, nil)

	items := analyze(t, dir, hash)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for _, item := range items {
		if item.PathBefore != "" || item.BlobBefore != nil {
			t.Fatalf("initial commit item has a before side: %+v", item)
		}
		if item.PathAfter == "" || item.BlobAfter == nil {
			t.Fatalf("initial commit item missing after side: %+v", item)
		}
		if item.CommitURL != "https://example.com/dev/project/commit/"+hash.String() {
			t.Fatalf("unexpected commit URL %q", item.CommitURL)
		}
	}
}

func TestRegularCommitEmitsBeforeAndAfter(t *testing.T) {
	dir, wt := initRepo(t)
	commitFiles(t, dir, wt, map[string]string{"main.py": "import os\n"}, nil)
	hash := commitFiles(t, dir, wt, map[string]string{"main.py": "import os\nimport json\n"}, nil)

	items := analyze(t, dir, hash)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	item := items[0]
	if item.PathBefore != "main.py" || item.PathAfter != "main.py" {
		t.Fatalf("unexpected paths: %q -> %q", item.PathBefore, item.PathAfter)
	}
	if string(item.BlobBefore) != "import os\n" {
		t.Fatalf("unexpected before blob: %q", item.BlobBefore)
	}
	if string(item.BlobAfter) != "import os\nimport json\n" {
		t.Fatalf("unexpected after blob: %q", item.BlobAfter)
	}
}

func TestDeletionEmitsBeforeOnlyItem(t *testing.T) {
	dir, wt := initRepo(t)
	commitFiles(t, dir, wt, map[string]string{"gone.py": "import re\n"}, nil)
	hash := commitFiles(t, dir, wt, map[string]string{"kept.py": "import io\n"}, []string{"gone.py"})

	items := analyze(t, dir, hash)
	var deletion *models.WorkItem
	for i := range items {
		if items[i].PathBefore == "gone.py" {
			deletion = &items[i]
		}
	}
	if deletion == nil {
		t.Fatalf("no deletion item in %+v", items)
	}
	if deletion.PathAfter != "" || deletion.BlobAfter != nil {
		t.Fatalf("deletion item has an after side: %+v", deletion)
	}
}

func TestMergeCommitIsSkipped(t *testing.T) {
	dir, wt := initRepo(t)
	first := commitFiles(t, dir, wt, map[string]string{"a.py": "1\n"}, nil)
	second := commitFiles(t, dir, wt, map[string]string{"b.py": "2\n"}, nil)
	merge := commitFiles(t, dir, wt, map[string]string{"c.py": "3\n"}, nil, second, first)

	if items := analyze(t, dir, merge); len(items) != 0 {
		t.Fatalf("merge commit produced %d items", len(items))
	}
}

func TestPrivateModulesFromTree(t *testing.T) {
	dir, wt := initRepo(t)
	commitFiles(t, dir, wt, map[string]string{"app.py": "x\n"}, nil)
	hash := commitFiles(t, dir, wt, map[string]string{
		"mypkg/__init__.py":     "",
		"mypkg/core.py":         "def f(): pass\n",
		"mypkg/sub/__init__.py": "",
		"script.py":             "print(1)\n",
	}, nil)

	items := analyze(t, dir, hash)
	if len(items) == 0 {
		t.Fatal("no items produced")
	}
	modules := map[string]struct{}{}
	for _, name := range items[0].PrivateModules {
		modules[name] = struct{}{}
	}
	for _, want := range []string{"mypkg", "mypkg.sub", "mypkg.core", "script", "app"} {
		if _, ok := modules[want]; !ok {
			t.Fatalf("missing private module %q in %v", want, items[0].PrivateModules)
		}
	}
}

func TestClonedRepoCloseRemovesDirectory(t *testing.T) {
	dir, wt := initRepo(t)
	commitFiles(t, dir, wt, map[string]string{"x.py": "1\n"}, nil)

	cloned, err := openRepo(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cloned.keepClone = false
	if err := cloned.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("clone directory still present after close")
	}
}

func TestClonedRepoCloseKeepsDirectoryOnRequest(t *testing.T) {
	dir, wt := initRepo(t)
	commitFiles(t, dir, wt, map[string]string{"x.py": "1\n"}, nil)

	cloned, err := openRepo(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := cloned.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("kept clone was removed: %v", err)
	}
}

type stubAPI struct {
	repos   []models.Repo
	refs    map[string][]githubapi.CommitRef
	refsErr map[string]error

	commitCalls []string
}

func (a *stubAPI) UserRepos(ctx context.Context, login string) ([]models.Repo, error) {
	return a.repos, nil
}

func (a *stubAPI) AuthoredCommits(ctx context.Context, owner, name, author string) ([]githubapi.CommitRef, error) {
	full := owner + "/" + name
	a.commitCalls = append(a.commitCalls, full)
	if err := a.refsErr[full]; err != nil {
		return nil, err
	}
	return a.refs[full], nil
}

func (a *stubAPI) Token() string { return "" }

func TestCrawlReposSkipsRepoWhoseCloneFails(t *testing.T) {
	base := t.TempDir()
	api := &stubAPI{
		repos: []models.Repo{
			{FullName: "dev/vanished", Owner: "dev", Name: "vanished",
				CloneURL: filepath.Join(base, "no-such-repo")},
			{FullName: "dev/quiet", Owner: "dev", Name: "quiet"},
		},
		refs: map[string][]githubapi.CommitRef{
			"dev/vanished": {{SHA: "aaa"}},
		},
	}
	c := New(api, config.CloneConfig{
		TmpfsDir:         filepath.Join(base, "shm"),
		FsDir:            filepath.Join(base, "fs"),
		TmpfsCutoffBytes: 1 << 20,
	}, Options{})

	var items []models.WorkItem
	err := c.CrawlRepos(context.Background(), "dev", nil, collect(&items), nil)
	if err != nil {
		t.Fatalf("one broken repo aborted the crawl: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items from a failed clone: %+v", items)
	}
	if len(api.commitCalls) != 2 || api.commitCalls[1] != "dev/quiet" {
		t.Fatalf("crawl did not reach the repo after the failure: %v", api.commitCalls)
	}
}

func TestCrawlReposAbortsWhenRetriesAreExhausted(t *testing.T) {
	api := &stubAPI{
		repos: []models.Repo{
			{FullName: "dev/first", Owner: "dev", Name: "first"},
			{FullName: "dev/second", Owner: "dev", Name: "second"},
		},
		refsErr: map[string]error{
			"dev/first": &githubapi.RateLimitMaxRetriesError{Attempts: 3, URL: "https://api.example.com"},
		},
	}
	c := New(api, config.CloneConfig{}, Options{})

	var items []models.WorkItem
	err := c.CrawlRepos(context.Background(), "dev", nil, collect(&items), nil)
	var limited *githubapi.RateLimitMaxRetriesError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want rate-limit exhaustion", err)
	}
	if len(api.commitCalls) != 1 {
		t.Fatalf("crawl continued past a credential-level fault: %v", api.commitCalls)
	}
}
