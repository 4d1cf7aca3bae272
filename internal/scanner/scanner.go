// Package scanner binds the crawler, the parser dispatcher, the knowledge
// model and the population store into a two-pass user scan: a remote-only
// measurement pass that sizes the job, then an execution pass that clones,
// parses and accumulates knowledge.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/crawler"
	"github.com/rebase-inc/skillscanner/internal/database"
	"github.com/rebase-inc/skillscanner/internal/githubapi"
	"github.com/rebase-inc/skillscanner/internal/knowledge"
	"github.com/rebase-inc/skillscanner/internal/parser"
	"github.com/rebase-inc/skillscanner/internal/population"
	"github.com/rebase-inc/skillscanner/models"
)

// ErrScanStalled reports that no commit, clone-progress or repository
// callback fired within the watchdog interval.
var ErrScanStalled = errors.New("scan stalled: no progress within watchdog interval")

// Source walks repositories and commits. Implemented by crawler.Crawler.
type Source interface {
	MeasureRepos(ctx context.Context, login string, skip func(models.Repo) bool) (map[string]int, error)
	CrawlRepos(ctx context.Context, login string, skip func(models.Repo) bool, sink crawler.Sink, afterCommit crawler.CommitHook) error
	CrawlRepo(ctx context.Context, repo models.Repo, login string, sink crawler.Sink, afterCommit crawler.CommitHook) error
	CrawlCommit(ctx context.Context, repo models.Repo, sha string, sink crawler.Sink) error
}

// Analyzer turns work items into knowledge references. Implemented by
// parser.Dispatcher.
type Analyzer interface {
	Analyze(ctx context.Context, item models.WorkItem) error
	SupportsAnyOf(languages ...string) bool
	Close()
}

// github is the slice of the API client the orchestrator uses directly.
type github interface {
	Login(ctx context.Context) (string, error)
	Repo(ctx context.Context, owner, name string) (*models.Repo, error)
}

// Scanner orchestrates one scan at a time. Not safe for concurrent scans;
// the agent serializes them.
type Scanner struct {
	cfg      *config.Config
	api      github
	source   Source
	analyzer Analyzer
	store    population.Store
	jobs     *database.JobStore
	db       database.DB

	model *knowledge.Model

	mu  sync.Mutex
	dog *watchdog
}

// Options tune a Scanner built from config.
type Options struct {
	// KeepClone leaves working copies on disk after the scan.
	KeepClone bool
}

// New wires a Scanner from explicit collaborators.
func New(cfg *config.Config, api github, source Source, analyzer Analyzer, store population.Store, db database.DB) *Scanner {
	return &Scanner{
		cfg:      cfg,
		api:      api,
		source:   source,
		analyzer: analyzer,
		store:    store,
		jobs:     database.NewJobStore(db),
		db:       db,
		model:    knowledge.NewModel(),
	}
}

// NewFromConfig builds a Scanner with the real crawler, parser backends and
// population store.
func NewFromConfig(cfg *config.Config, db database.DB, opts Options) (*Scanner, error) {
	api, err := githubapi.NewClient(cfg.GitHub)
	if err != nil {
		return nil, err
	}

	s := New(cfg, api, nil, nil, population.NewRedisStore(cfg.Store), db)
	s.source = crawler.New(api, cfg.Clone, crawler.Options{
		Keepalive: s.Keepalive,
		KeepClone: opts.KeepClone,
	})
	s.analyzer = parser.NewDispatcher(
		parser.NewPythonParser(cfg.Parsers, s.Record),
		parser.NewJavascriptParser(cfg.Parsers, s.Record),
	)
	return s, nil
}

// Record adds one symbol-use delta to the current knowledge model. It is the
// parser callback; the language tag becomes the leading path component.
func (s *Scanner) Record(language string, symbol []string, date time.Time, count int) {
	s.model.AddReference(date, count, append([]string{language}, symbol...)...)
}

// Close shuts down parser backend connections.
func (s *Scanner) Close() {
	if s.analyzer != nil {
		s.analyzer.Close()
	}
}

// ScanUser runs the full two-pass scan of a user's repositories and publishes
// the resulting knowledge and rankings. An existing compatible knowledge
// object short-circuits the scan unless force is set.
func (s *Scanner) ScanUser(ctx context.Context, username string, force bool) error {
	username, err := s.resolveLogin(ctx, username)
	if err != nil {
		return err
	}

	if !force {
		exists, err := s.store.UserKnowledgeExists(ctx, username)
		if err != nil {
			return fmt.Errorf("checking existing knowledge of %s: %w", username, err)
		}
		if exists {
			slog.Info("Knowledge already current, skipping scan", "user", username)
			return nil
		}
	}

	s.model = knowledge.NewModel()
	ctx, disarm := s.arm(ctx)
	defer disarm()

	start := time.Now()

	// Measurement pass: count authored commits per repository without
	// cloning, so progress rows know their step totals up front.
	counts, err := s.source.MeasureRepos(ctx, username, s.skipRepo)
	if err != nil {
		return s.scanError(ctx, username, err)
	}

	jobs := map[string]*models.ScanJob{}
	total := 0
	for repoName, commits := range counts {
		job, err := s.jobs.StartJob(ctx, username, repoName)
		if err != nil {
			return err
		}
		if err := s.jobs.AddSteps(ctx, job, commits); err != nil {
			return err
		}
		jobs[repoName] = job
		total += commits
	}
	slog.Info("Measured scan", "user", username, "repos", len(counts), "commits", total)

	// Execution pass.
	err = s.source.CrawlRepos(ctx, username, s.skipRepo, s.analyze, s.progress(jobs))
	if err != nil {
		s.completeJobs(ctx, jobs, database.JobFailed)
		return s.scanError(ctx, username, err)
	}
	s.completeJobs(ctx, jobs, database.JobCompleted)

	if d, ok := s.analyzer.(*parser.Dispatcher); ok {
		d.Health().LogSummary()
	}
	slog.Info("Scan finished", "user", username, "commits", total, "took", time.Since(start))

	return s.publish(ctx, username)
}

// ScanRepo scans a single repository and publishes the knowledge built from
// it alone.
func (s *Scanner) ScanRepo(ctx context.Context, username, fullName string) error {
	username, err := s.resolveLogin(ctx, username)
	if err != nil {
		return err
	}
	repo, err := s.lookupRepo(ctx, fullName)
	if err != nil {
		return err
	}

	s.model = knowledge.NewModel()
	ctx, disarm := s.arm(ctx)
	defer disarm()

	job, err := s.jobs.StartJob(ctx, username, repo.FullName)
	if err != nil {
		return err
	}
	jobs := map[string]*models.ScanJob{repo.FullName: job}

	if err := s.source.CrawlRepo(ctx, *repo, username, s.analyze, s.progress(jobs)); err != nil {
		s.completeJobs(ctx, jobs, database.JobFailed)
		return s.scanError(ctx, username, err)
	}
	s.completeJobs(ctx, jobs, database.JobCompleted)

	return s.publish(ctx, username)
}

// ScanCommit analyzes one commit and returns the normalized knowledge it
// produces, without touching the population store. Meant for debugging
// parser backends against a known change.
func (s *Scanner) ScanCommit(ctx context.Context, fullName, sha string) (knowledge.Normalized, error) {
	repo, err := s.lookupRepo(ctx, fullName)
	if err != nil {
		return nil, err
	}

	s.model = knowledge.NewModel()
	ctx, disarm := s.arm(ctx)
	defer disarm()

	if err := s.source.CrawlCommit(ctx, *repo, sha, s.analyze); err != nil {
		return nil, s.scanError(ctx, fullName, err)
	}
	return s.model.Normalize(s.cfg.Knowledge.Depth, s.cfg.Knowledge.RepetitionPenalty), nil
}

// publish normalizes the accumulated knowledge, stores it, recomputes
// rankings against the population and mirrors them to the relational store.
func (s *Scanner) publish(ctx context.Context, username string) error {
	if s.model.Empty() {
		slog.Warn("Scan produced no references", "user", username)
	}

	normalized := s.model.Normalize(s.cfg.Knowledge.Depth, s.cfg.Knowledge.RepetitionPenalty)
	if err := s.store.AddUserKnowledge(ctx, username, normalized); err != nil {
		return fmt.Errorf("storing knowledge of %s: %w", username, err)
	}

	rankings, err := s.store.Rankings(ctx, normalized)
	if err != nil {
		return fmt.Errorf("ranking %s: %w", username, err)
	}

	err = population.PublishRankings(ctx, s.db.SQL(), username, rankings)
	if errors.Is(err, population.ErrUserNotRegistered) {
		slog.Warn("User has no skill_set row, rankings not mirrored", "user", username)
		return nil
	}
	return err
}

// analyze is the crawler sink: every changed file goes through the parser
// dispatcher, whose callback feeds the knowledge model.
func (s *Scanner) analyze(ctx context.Context, item models.WorkItem) error {
	return s.analyzer.Analyze(ctx, item)
}

// skipRepo drops repositories with no parsable language before any commits
// are listed for them.
func (s *Scanner) skipRepo(repo models.Repo) bool {
	return len(repo.Languages) > 0 && !s.analyzer.SupportsAnyOf(repo.Languages...)
}

// progress returns the per-commit hook updating scan_jobs rows.
func (s *Scanner) progress(jobs map[string]*models.ScanJob) crawler.CommitHook {
	return func(repo models.Repo, ref githubapi.CommitRef) {
		job, ok := jobs[repo.FullName]
		if !ok {
			return
		}
		ctx := context.Background()
		if job.Status == database.JobMeasuring {
			if err := s.jobs.MarkRunning(ctx, job); err != nil {
				slog.Warn("Progress update failed", "job", job.UniqueKey, "error", err)
			}
		}
		if err := s.jobs.MarkFinished(ctx, job); err != nil {
			slog.Warn("Progress update failed", "job", job.UniqueKey, "error", err)
		}
	}
}

// completeJobs closes every open progress row. Runs on a detached context so
// bookkeeping survives a watchdog cancellation.
func (s *Scanner) completeJobs(ctx context.Context, jobs map[string]*models.ScanJob, status string) {
	ctx = context.WithoutCancel(ctx)
	for _, job := range jobs {
		if job.CompletedAt != nil {
			continue
		}
		if err := s.jobs.Complete(ctx, job, status); err != nil {
			slog.Warn("Closing scan job failed", "job", job.UniqueKey, "error", err)
		}
	}
}

// scanError substitutes the stall sentinel when the watchdog was what killed
// the scan.
func (s *Scanner) scanError(ctx context.Context, subject string, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrScanStalled) {
		return fmt.Errorf("scanning %s: %w", subject, ErrScanStalled)
	}
	return fmt.Errorf("scanning %s: %w", subject, err)
}

func (s *Scanner) resolveLogin(ctx context.Context, username string) (string, error) {
	if username != "" {
		return username, nil
	}
	if s.api == nil {
		return "", errors.New("no username given and no API client to resolve one")
	}
	login, err := s.api.Login(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving authorized login: %w", err)
	}
	slog.Info("Scanning authorized login", "user", login)
	return login, nil
}

func (s *Scanner) lookupRepo(ctx context.Context, fullName string) (*models.Repo, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("repository %q is not owner/name", fullName)
	}
	if s.api == nil {
		return nil, errors.New("no API client to look up the repository")
	}
	return s.api.Repo(ctx, owner, name)
}
