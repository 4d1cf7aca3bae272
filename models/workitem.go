package models

import "time"

// WorkItem is the unit of parsing: one changed file within one authored
// commit. Before is nil for file creation, After is nil for deletion. The
// initial commit of a repository produces one add-only item per blob.
type WorkItem struct {
	RepoFullName string
	CommitSHA    string
	AuthoredAt   time.Time
	PathBefore   string // empty for additions
	PathAfter    string // empty for deletions
	BlobBefore   []byte // nil for additions
	BlobAfter    []byte // nil for deletions

	// PrivateModules lists dotted module names defined inside the commit's
	// trees, used by relevance filtering for languages with a module system.
	PrivateModules []string

	// CommitURL points at the commit on the hosting platform, for error
	// reporting when no backend can parse the blob.
	CommitURL string
}
