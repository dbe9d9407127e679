package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// POIType enumerates the entity kinds the LLM is prompted to recognize.
type POIType string

const (
	POITypeFile     POIType = "File"
	POITypeClass    POIType = "Class"
	POITypeFunction POIType = "Function"
	POITypeMethod   POIType = "Method"
	POITypeVariable POIType = "Variable"
	POITypeTable    POIType = "Table"
)

// POI (Point of Interest) is a named code entity discovered within a file.
// ID is a deterministic fingerprint so re-analysis of an unchanged region
// of a file upserts the same row instead of creating a duplicate.
type POI struct {
	ID         string `gorm:"primaryKey"`
	RunID      string `gorm:"index;not null"`
	FilePath   string `gorm:"index;not null"`
	Name       string
	Type       POIType
	StartLine  int
	EndLine    int
	Confidence float64
	// GraphIngested marks whether the Graph Ingestor has already MERGEd
	// this POI as a node; only a bulk query filter, never overwritten by
	// File-Analysis.
	GraphIngested bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the GORM table name so migrations match spec.md §6.
func (POI) TableName() string { return "points_of_interest" }

// POIFingerprint computes the deterministic id of a POI from its identifying
// attributes. Two analysis passes over the same unchanged span of the same
// file always compute the same id, which is what makes POI upserts
// idempotent.
func POIFingerprint(filePath, name string, typ POIType, startLine, endLine int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%d", filePath, name, typ, startLine, endLine)))
	return hex.EncodeToString(sum[:])
}
