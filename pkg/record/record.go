// Package record holds the civic record and draft row model, the markdown
// frontmatter codec, and the row store backing the record lifecycle sagas.
package record

import (
	"fmt"
	"path"
	"time"
)

// Status is the public lifecycle status of a record. It is written to both
// the row and the file frontmatter.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Valid reports whether s is a known record status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusArchived:
		return true
	default:
		return false
	}
}

// Record is one row in the records table. WorkflowState is internal
// process state: it lives only on the row and is never serialized into the
// markdown file. CreatedBySaga and UpdatedBySaga are side-effect signatures
// that let a retried saga step recognize its own prior write.
type Record struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Title         string     `json:"title"`
	Status        Status     `json:"status"`
	WorkflowState string     `json:"workflow_state,omitempty"`
	Author        string     `json:"author,omitempty"`
	Body          string     `json:"body,omitempty"`
	Path          string     `json:"path,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	CreatedBySaga string     `json:"created_by_saga,omitempty"`
	UpdatedBySaga string     `json:"updated_by_saga,omitempty"`
}

// Validate checks the fields every stored record must carry.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if r.ID == "" {
		return fmt.Errorf("record ID cannot be empty")
	}
	if r.Type == "" {
		return fmt.Errorf("record %s: type cannot be empty", r.ID)
	}
	if r.Title == "" {
		return fmt.Errorf("record %s: title cannot be empty", r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("record %s: unknown status %q", r.ID, r.Status)
	}
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ArchivedAt != nil {
		at := *r.ArchivedAt
		cp.ArchivedAt = &at
	}
	return &cp
}

// Draft is one row in the drafts table. Drafts are pre-publication
// artifacts: rows only, no file and no VCS presence until published.
type Draft struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields every stored draft must carry.
func (d *Draft) Validate() error {
	if d == nil {
		return fmt.Errorf("draft cannot be nil")
	}
	if d.ID == "" {
		return fmt.Errorf("draft ID cannot be empty")
	}
	if d.Type == "" {
		return fmt.Errorf("draft %s: type cannot be empty", d.ID)
	}
	if d.Title == "" {
		return fmt.Errorf("draft %s: title cannot be empty", d.ID)
	}
	return nil
}

// Clone returns a copy.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// FilePath returns the repository-relative markdown path for a live record,
// always slash-separated: records/<type>/<id>.md.
func FilePath(recordType, id string) string {
	return path.Join("records", recordType, id+".md")
}

// ArchivePath returns the repository-relative markdown path for an archived
// record: records/archive/<type>/<id>.md.
func ArchivePath(recordType, id string) string {
	return path.Join("records", "archive", recordType, id+".md")
}
