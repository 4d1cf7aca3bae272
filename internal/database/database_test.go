package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rebase-inc/skillscanner/internal/config"
)

func testDB(t *testing.T) DB {
	t.Helper()
	db, err := New(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "skillscan.db"),
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestInsertAndSelectRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	type githubUser struct {
		ID    int64  `db:"id"`
		Login string `db:"login"`
	}
	id, err := db.Insert(ctx, "github_user", githubUser{Login: "alice"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == 0 {
		t.Fatal("insert returned zero id")
	}

	var users []githubUser
	if err := db.Select(ctx, &users, "SELECT id, login FROM github_user WHERE login = ?", "alice"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(users) != 1 || users[0].ID != id || users[0].Login != "alice" {
		t.Fatalf("round trip = %+v", users)
	}
}

func TestScanJobLifecycle(t *testing.T) {
	db := testDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	job, err := jobs.StartJob(ctx, "alice", "alice/project")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.UniqueKey == "" || job.Status != JobMeasuring {
		t.Fatalf("fresh job = %+v", job)
	}

	if err := jobs.AddSteps(ctx, job, 12); err != nil {
		t.Fatalf("add steps: %v", err)
	}
	if err := jobs.MarkRunning(ctx, job); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := jobs.MarkFinished(ctx, job); err != nil {
			t.Fatalf("mark finished: %v", err)
		}
	}
	if err := jobs.Complete(ctx, job, JobCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	loaded, err := jobs.Job(ctx, job.UniqueKey)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Steps != 12 || loaded.Finished != 3 {
		t.Fatalf("progress = %d/%d, want 3/12", loaded.Finished, loaded.Steps)
	}
	if loaded.Status != JobCompleted || loaded.CompletedAt == nil {
		t.Fatalf("terminal state = %+v", loaded)
	}
}

func TestUserJobsListsAllRows(t *testing.T) {
	db := testDB(t)
	jobs := NewJobStore(db)
	ctx := context.Background()

	for _, repo := range []string{"alice/one", "alice/two"} {
		if _, err := jobs.StartJob(ctx, "alice", repo); err != nil {
			t.Fatalf("start %s: %v", repo, err)
		}
	}
	if _, err := jobs.StartJob(ctx, "bob", "bob/other"); err != nil {
		t.Fatalf("start bob: %v", err)
	}

	listed, err := jobs.UserJobs(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d jobs, want 2", len(listed))
	}
	for _, job := range listed {
		if job.Username != "alice" {
			t.Fatalf("foreign job listed: %+v", job)
		}
	}
}

func TestUpsertReplacesOnConflict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	type githubUser struct {
		ID    int64  `db:"id"`
		Login string `db:"login"`
	}
	if _, err := db.Insert(ctx, "github_user", githubUser{Login: "carol"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Upsert(ctx, "github_user", githubUser{Login: "carol"}, []string{"login"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var users []githubUser
	if err := db.Select(ctx, &users, "SELECT id, login FROM github_user WHERE login = ?", "carol"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(users))
	}
}
