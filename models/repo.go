package models

import "time"

// Repo describes a remote repository as reported by the hosting platform.
type Repo struct {
	ID            int64     `json:"id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"` // owner/name
	CloneURL      string    `json:"clone_url"`
	HTMLURL       string    `json:"html_url"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	Fork          bool      `json:"fork"`
	SizeKB        int64     `json:"size_kb"` // platform-reported size in kilobytes
	Languages     []string  `json:"languages"`
	LastPushedAt  time.Time `json:"last_pushed_at"`
}

// ScanJob tracks progress of one user scan across its repositories.
type ScanJob struct {
	ID          int64      `json:"id"           db:"id"`
	UniqueKey   string     `json:"unique_key"   db:"unique_key"`
	Username    string     `json:"username"     db:"username"`
	RepoName    string     `json:"repo_name"    db:"repo_name"`
	Steps       int        `json:"steps"        db:"steps"`
	Finished    int        `json:"finished"     db:"finished"`
	Status      string     `json:"status"       db:"status"` // measuring | running | completed | failed
	StartedAt   time.Time  `json:"started_at"   db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}
