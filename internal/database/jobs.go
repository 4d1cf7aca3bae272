package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rebase-inc/skillscanner/models"
)

// Scan job statuses.
const (
	JobMeasuring = "measuring"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobStore persists scan progress so an operator can watch a long scan move.
type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// StartJob opens a progress row for one repository of a user scan.
func (s *JobStore) StartJob(ctx context.Context, username, repoName string) (*models.ScanJob, error) {
	job := &models.ScanJob{
		UniqueKey: uuid.NewString(),
		Username:  username,
		RepoName:  repoName,
		Status:    JobMeasuring,
		StartedAt: time.Now().UTC(),
	}
	id, err := s.db.Insert(ctx, "scan_jobs", job)
	if err != nil {
		return nil, fmt.Errorf("creating scan job: %w", err)
	}
	job.ID = id
	return job, nil
}

// AddSteps raises the job's step total during the measurement pass.
func (s *JobStore) AddSteps(ctx context.Context, job *models.ScanJob, n int) error {
	job.Steps += n
	return s.db.Exec(ctx, "UPDATE scan_jobs SET steps = steps + ? WHERE id = ?", n, job.ID)
}

// MarkRunning transitions the job out of the measurement pass.
func (s *JobStore) MarkRunning(ctx context.Context, job *models.ScanJob) error {
	job.Status = JobRunning
	return s.db.Exec(ctx, "UPDATE scan_jobs SET status = ? WHERE id = ?", JobRunning, job.ID)
}

// MarkFinished counts one completed step of the execution pass.
func (s *JobStore) MarkFinished(ctx context.Context, job *models.ScanJob) error {
	job.Finished++
	return s.db.Exec(ctx, "UPDATE scan_jobs SET finished = finished + 1 WHERE id = ?", job.ID)
}

// Complete closes the job with a terminal status.
func (s *JobStore) Complete(ctx context.Context, job *models.ScanJob, status string) error {
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	return s.db.Exec(ctx,
		"UPDATE scan_jobs SET status = ?, completed_at = ? WHERE id = ?", status, now, job.ID)
}

// Job loads a progress row by its unique key.
func (s *JobStore) Job(ctx context.Context, uniqueKey string) (*models.ScanJob, error) {
	var job models.ScanJob
	err := s.db.Get(ctx, &job, "SELECT * FROM scan_jobs WHERE unique_key = ?", uniqueKey)
	if err != nil {
		return nil, fmt.Errorf("loading scan job %s: %w", uniqueKey, err)
	}
	return &job, nil
}

// UserJobs lists all progress rows for a user, newest first.
func (s *JobStore) UserJobs(ctx context.Context, username string) ([]models.ScanJob, error) {
	var jobs []models.ScanJob
	err := s.db.Select(ctx, &jobs,
		"SELECT * FROM scan_jobs WHERE username = ? ORDER BY started_at DESC, id DESC", username)
	if err != nil {
		return nil, fmt.Errorf("listing scan jobs for %s: %w", username, err)
	}
	return jobs, nil
}
