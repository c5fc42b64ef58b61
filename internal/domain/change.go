package domain

import "time"

// ChangeKind classifies a difference between two snapshots.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// Field names an event attribute that participates in diffing.
type Field string

const (
	FieldStart    Field = "start"
	FieldEnd      Field = "end"
	FieldSummary  Field = "summary"
	FieldLocation Field = "location"
)

// Change describes one difference between two snapshots of a source.
// Added carries New, Removed carries Old, Modified carries both plus the
// exact set of fields that differ.
type Change struct {
	Kind   ChangeKind
	Old    *Event
	New    *Event
	Fields []Field
}

// Event returns the most relevant event for display: the new state when
// present, otherwise the removed one.
func (c *Change) Event() *Event {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// HasField reports whether f is among the changed fields.
func (c *Change) HasField(f Field) bool {
	for _, v := range c.Fields {
		if v == f {
			return true
		}
	}
	return false
}

// ChangeRecord is one journaled change as persisted by the storage layer.
type ChangeRecord struct {
	ID            int64
	SourceID      string
	Kind          ChangeKind
	UID           string
	Summary       string
	OldStart      *time.Time
	NewStart      *time.Time
	ChangedFields string
	RecordedAt    time.Time
}
