package model

import "time"

// OutboxStatus is the lifecycle of a row in the transactional outbox.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	OutboxStatusDead      OutboxStatus = "DEAD"
)

// Event type constants used as OutboxEvent.EventType (spec.md §6). The
// publisher maps each one to its destination bus queue through
// outbox.QueueForEventType; the queue names differ from these strings.
const (
	EventFileAnalysisFinding         = "file-analysis-finding"
	EventDirectoryAnalysisFinding    = "directory-analysis-finding"
	EventRelationshipAnalysisFinding = "relationship-analysis-finding"
)

// OutboxEvent is an append-only row bridging a state-store transaction to a
// bus message. A writer appends it in the same transaction as its domain
// write; the publisher (outbox.Publisher) is the only component allowed to
// flip its status.
type OutboxEvent struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"index;not null"`
	EventType string `gorm:"not null"`
	Payload   string `gorm:"not null"`
	Status    OutboxStatus
	Attempts  int
	CreatedAt time.Time
}

// TableName pins the GORM table name so migrations match spec.md §6.
func (OutboxEvent) TableName() string { return "outbox" }

// DirectorySummary is the LLM-produced abstract of one directory, consumed
// by the Global-Resolution worker.
type DirectorySummary struct {
	RunID         string `gorm:"primaryKey"`
	DirectoryPath string `gorm:"primaryKey"`
	SummaryText   string
}

// TableName pins the GORM table name.
func (DirectorySummary) TableName() string { return "directory_summaries" }

// RefactorTaskType enumerates the structural changes the scanner can emit
// and the graph ingestor must apply before any node creation.
type RefactorTaskType string

const (
	RefactorDelete RefactorTaskType = "DELETE"
	RefactorRename RefactorTaskType = "RENAME"
)

// RefactorTask is a structural graph change derived from a file-system diff.
type RefactorTask struct {
	Type    RefactorTaskType
	OldPath string
	NewPath string // empty for RefactorDelete
}

// RefactorTaskRow is RefactorTask's durable queued form: the Scanner appends
// one row per delete/rename it detects, and the Graph Ingestor claims and
// deletes rows in ID order so pass ordering A (spec.md §5) applies them in
// the sequence they were detected, not an arbitrary bus-delivery order.
type RefactorTaskRow struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"index;not null"`
	Type      RefactorTaskType
	OldPath   string
	NewPath   string
	CreatedAt time.Time
}

// TableName pins the GORM table name so migrations match spec.md §6.
func (RefactorTaskRow) TableName() string { return "refactor_tasks" }
