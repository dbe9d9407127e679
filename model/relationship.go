package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RelationshipType enumerates the fixed allowlist of edge types the graph
// ingestor is permitted to write. No other string may ever reach a Cypher
// query as a label — see worker/ingestor.
type RelationshipType string

const (
	RelationshipContains    RelationshipType = "CONTAINS"
	RelationshipCalls       RelationshipType = "CALLS"
	RelationshipImports     RelationshipType = "IMPORTS"
	RelationshipExports     RelationshipType = "EXPORTS"
	RelationshipExtends     RelationshipType = "EXTENDS"
	RelationshipImplements  RelationshipType = "IMPLEMENTS"
	RelationshipDependsOn   RelationshipType = "DEPENDS_ON"
	RelationshipUsesDataFrom RelationshipType = "USES_DATA_FROM"
	RelationshipUses        RelationshipType = "USES"
)

// AllowedRelationshipTypes is the default allowlist from spec.md §4.10.
// config.Config carries a copy in its AllowedRelationshipTypes field, but the
// workers and graphstore check types against this slice directly, so changing
// the configured list does not change what is accepted.
var AllowedRelationshipTypes = []RelationshipType{
	RelationshipContains, RelationshipCalls, RelationshipImports,
	RelationshipExports, RelationshipExtends, RelationshipImplements,
	RelationshipDependsOn, RelationshipUsesDataFrom, RelationshipUses,
}

// PassType records which analytical pass produced a relationship.
type PassType string

const (
	PassIntraFile      PassType = "Intra-File"
	PassIntraDirectory PassType = "Intra-Directory"
	PassGlobal         PassType = "Global"
)

// RelationshipStatus is the lifecycle of a resolved relationship.
type RelationshipStatus string

const (
	RelationshipStatusPending   RelationshipStatus = "PENDING"
	RelationshipStatusValidated RelationshipStatus = "VALIDATED"
	RelationshipStatusRejected  RelationshipStatus = "REJECTED"
	RelationshipStatusIngested  RelationshipStatus = "INGESTED"
)

// ResolvedRelationship is a candidate or confirmed edge between two POIs,
// keyed by Fingerprint (see RelationshipFingerprint) so reconciling the same
// evidence set twice upserts the same row.
type ResolvedRelationship struct {
	ID          string `gorm:"primaryKey"`
	RunID       string `gorm:"index;not null"`
	Fingerprint string `gorm:"uniqueIndex;not null"`
	SourcePOIID string `gorm:"index;not null"`
	TargetPOIID string `gorm:"index;not null"`
	Type        RelationshipType
	Confidence  float64
	Explanation string
	PassType    PassType
	Status      RelationshipStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName pins the GORM table name so migrations match spec.md §6.
func (ResolvedRelationship) TableName() string { return "resolved_relationships" }

// RelationshipFingerprint groups independent evidence for the same
// candidate edge so cognitive triangulation can compare passes against
// each other before anything is persisted as resolved.
func RelationshipFingerprint(sourcePOIID, targetPOIID string, typ RelationshipType) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s", sourcePOIID, targetPOIID, typ)))
	return hex.EncodeToString(sum[:])
}

// RelationshipEvidence is one analytical pass's assertion about a candidate
// relationship, awaiting reconciliation into a ResolvedRelationship.
type RelationshipEvidence struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	RelationshipID  string `gorm:"index"`
	RunID           string `gorm:"index;not null"`
	Fingerprint     string `gorm:"index;not null"`
	EvidencePayload string
	CreatedAt       time.Time
}

// TableName pins the GORM table name so migrations match spec.md §6.
func (RelationshipEvidence) TableName() string { return "relationship_evidence" }

// RunManifest records, per run and fingerprint, how many evidence payloads
// are expected before reconciliation may fire.
type RunManifest struct {
	RunID         string `gorm:"primaryKey"`
	Fingerprint   string `gorm:"primaryKey"`
	ExpectedCount int
}

// TableName pins the GORM table name.
func (RunManifest) TableName() string { return "run_manifests" }
