// Package model defines the entities and relationships of the codeatlas
// knowledge graph: files, points of interest, resolved relationships, the
// outbox, directory summaries and refactor tasks. Types here are shared by
// every component of the pipeline and carry no storage-engine dependency.
package model

import "time"

// FileStatus is the lifecycle state of a File row in the state store.
type FileStatus string

const (
	FileStatusPending               FileStatus = "PENDING"
	FileStatusProcessing            FileStatus = "PROCESSING"
	FileStatusCompletedSuccess      FileStatus = "COMPLETED_SUCCESS"
	FileStatusSkippedFileTooLarge   FileStatus = "SKIPPED_FILE_TOO_LARGE"
	FileStatusFailedFileNotFound    FileStatus = "FAILED_FILE_NOT_FOUND"
	FileStatusFailedLLMAPIError     FileStatus = "FAILED_LLM_API_ERROR"
	FileStatusFailedValidationError FileStatus = "FAILED_VALIDATION_ERROR"
	FileStatusDeletedOnDisk         FileStatus = "DELETED_ON_DISK"
)

// Terminal reports whether the status ends a file's participation in the
// current run without further worker action.
func (s FileStatus) Terminal() bool {
	switch s {
	case FileStatusCompletedSuccess, FileStatusSkippedFileTooLarge,
		FileStatusFailedFileNotFound, FileStatusFailedLLMAPIError,
		FileStatusFailedValidationError, FileStatusDeletedOnDisk:
		return true
	default:
		return false
	}
}

// SpecialFileType tags a file as playing a distinguished role in the repo.
type SpecialFileType string

const (
	SpecialFileManifest   SpecialFileType = "manifest"
	SpecialFileEntrypoint SpecialFileType = "entrypoint"
	SpecialFileConfig     SpecialFileType = "config"
)

// File is the unit of work tracked across a scan: one row per repository
// path within a run, keyed by (RunID, Path), carrying its content checksum
// and lifecycle status.
type File struct {
	RunID           string `gorm:"primaryKey"`
	Path            string `gorm:"primaryKey"`
	Checksum        string
	Language        string
	Status          FileStatus `gorm:"not null"`
	ErrorMessage    string
	LastProcessed   time.Time
	SpecialFileType SpecialFileType
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName pins the GORM table name so migrations match spec.md §6.
func (File) TableName() string { return "files" }
