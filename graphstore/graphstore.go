// Package graphstore implements the Graph Store (C3): the Neo4j-backed
// knowledge graph workers write File/Class/Function/Method/Variable/Table
// nodes and a fixed allowlist of relationship types into, using MERGE-based
// idempotent upsert, the ExecuteWrite/ExecuteRead session pattern, and
// DETACH DELETE for refactors, over the POI node taxonomy of spec.md §3.
package graphstore

import (
	"context"
	"fmt"

	"github.com/evalgo/codeatlas/model"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Driver is the Graph Store contract. Workers depend on this interface, not
// *Neo4jStore, so unit tests substitute a fake that records calls instead of
// needing a live Neo4j instance.
type Driver interface {
	UpsertPOI(ctx context.Context, p *model.POI) error
	UpsertRelationship(ctx context.Context, r *model.ResolvedRelationship, relType model.RelationshipType) error
	DeleteFile(ctx context.Context, filePath string) error
	RenameFile(ctx context.Context, oldPath, newPath string) error
	// ExecuteBatch runs fn against a single managed transaction: every
	// GraphTx call fn makes commits together when fn returns nil, or rolls
	// back together on error/panic, the "acquire a single graph-store
	// transaction" contract the Graph Ingestor's node and relationship
	// passes both need (spec.md §4.10) instead of one ExecuteWrite per row.
	ExecuteBatch(ctx context.Context, fn func(tx GraphTx) error) error
	Close(ctx context.Context) error
}

// GraphTx is the subset of Driver's write operations available inside one
// ExecuteBatch transaction.
type GraphTx interface {
	UpsertPOI(ctx context.Context, p *model.POI) error
	UpsertRelationship(ctx context.Context, r *model.ResolvedRelationship, relType model.RelationshipType) error
}

// Neo4jStore implements Driver against a real Neo4j cluster.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
}

// New dials uri and verifies connectivity before returning.
func New(uri, username, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		return nil, fmt.Errorf("connect to neo4j: %w", err)
	}
	return &Neo4jStore{driver: driver}, nil
}

// poiLabel maps a POI's type to its Cypher node label. Labels come from this
// fixed Go-side switch, never from a POI field spliced into the query
// string, so an LLM-supplied type name can never become an arbitrary label.
func poiLabel(t model.POIType) (string, error) {
	switch t {
	case model.POITypeFile:
		return "File", nil
	case model.POITypeClass:
		return "Class", nil
	case model.POITypeFunction:
		return "Function", nil
	case model.POITypeMethod:
		return "Method", nil
	case model.POITypeVariable:
		return "Variable", nil
	case model.POITypeTable:
		return "Table", nil
	default:
		return "", fmt.Errorf("graphstore: unknown POI type %q", t)
	}
}

// UpsertPOI writes one node, MERGE-keyed on id so re-ingesting the same
// fingerprint is a no-op write rather than a duplicate node (spec.md's
// idempotent-ingestion invariant). It opens its own single-statement
// transaction; ExecuteBatch is preferred whenever several nodes belong to
// the same ingestion tick.
func (s *Neo4jStore) UpsertPOI(ctx context.Context, p *model.POI) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return nil, runUpsertPOI(ctx, tx, p)
	})
	return err
}

// UpsertRelationship MERGEs an edge between two already-MERGEd POI nodes in
// its own single-statement transaction; ExecuteBatch is preferred whenever
// several relationships belong to the same ingestion tick. relType is checked
// here, before any query is built: relationshipLabel accepts only members of
// model.AllowedRelationshipTypes and returns an error for anything else, so
// the label is never taken from an unchecked string.
func (s *Neo4jStore) UpsertRelationship(ctx context.Context, r *model.ResolvedRelationship, relType model.RelationshipType) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return nil, runUpsertRelationship(ctx, tx, r, relType)
	})
	return err
}

// ExecuteBatch opens one session and one ExecuteWrite-managed transaction,
// and hands fn a GraphTx bound to it: every UpsertPOI/UpsertRelationship fn
// calls runs a Cypher statement within that same transaction, so the whole
// batch either commits as one unit when fn returns nil or rolls back as one
// unit otherwise — what lets the Graph Ingestor apply a page of nodes or
// relationships as a single graph-store transaction (spec.md §4.10) instead
// of one commit per row.
func (s *Neo4jStore) ExecuteBatch(ctx context.Context, fn func(tx GraphTx) error) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return nil, fn(&managedGraphTx{tx: tx})
	})
	return err
}

// managedGraphTx implements GraphTx over a single neo4j.ManagedTransaction,
// so every call it receives runs inside the transaction ExecuteBatch opened.
type managedGraphTx struct {
	tx neo4j.ManagedTransaction
}

func (t *managedGraphTx) UpsertPOI(ctx context.Context, p *model.POI) error {
	return runUpsertPOI(ctx, t.tx, p)
}

func (t *managedGraphTx) UpsertRelationship(ctx context.Context, r *model.ResolvedRelationship, relType model.RelationshipType) error {
	return runUpsertRelationship(ctx, t.tx, r, relType)
}

func runUpsertPOI(ctx context.Context, tx neo4j.ManagedTransaction, p *model.POI) error {
	label, err := poiLabel(p.Type)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		MERGE (n:%s {id: $id})
		SET n.name = $name,
		    n.filePath = $filePath,
		    n.startLine = $startLine,
		    n.endLine = $endLine
		RETURN n
	`, label)
	params := map[string]interface{}{
		"id":        p.ID,
		"name":      p.Name,
		"filePath":  p.FilePath,
		"startLine": p.StartLine,
		"endLine":   p.EndLine,
	}
	_, err = tx.Run(ctx, query, params)
	return err
}

func runUpsertRelationship(ctx context.Context, tx neo4j.ManagedTransaction, r *model.ResolvedRelationship, relType model.RelationshipType) error {
	label, err := relationshipLabel(relType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		MATCH (src {id: $sourceId})
		MATCH (dst {id: $targetId})
		MERGE (src)-[rel:%s]->(dst)
		SET rel.confidence = $confidence,
		    rel.explanation = $explanation
	`, label)
	params := map[string]interface{}{
		"sourceId":    r.SourcePOIID,
		"targetId":    r.TargetPOIID,
		"confidence":  r.Confidence,
		"explanation": r.Explanation,
	}
	_, err = tx.Run(ctx, query, params)
	return err
}

func relationshipLabel(t model.RelationshipType) (string, error) {
	for _, allowed := range model.AllowedRelationshipTypes {
		if allowed == t {
			return string(allowed), nil
		}
	}
	return "", fmt.Errorf("graphstore: relationship type %q is not in the allowlist", t)
}

// DeleteFile detaches and removes every node tied to filePath, applied
// before any node-creation MERGE in the same ingestion pass (pass ordering
// A, spec.md §5).
func (s *Neo4jStore) DeleteFile(ctx context.Context, filePath string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `MATCH (n {filePath: $filePath}) DETACH DELETE n`
		_, err := tx.Run(ctx, query, map[string]interface{}{"filePath": filePath})
		return nil, err
	})
	return err
}

// RenameFile repoints every node's filePath property from oldPath to
// newPath without touching node identity — the scanner's rename detection
// (matching checksum, changed path) maps to an in-place property update
// rather than a delete+recreate, preserving the node's existing edges.
func (s *Neo4jStore) RenameFile(ctx context.Context, oldPath, newPath string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `MATCH (n {filePath: $oldPath}) SET n.filePath = $newPath`
		_, err := tx.Run(ctx, query, map[string]interface{}{"oldPath": oldPath, "newPath": newPath})
		return nil, err
	})
	return err
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping re-verifies connectivity to the Neo4j cluster, used by health/ for
// readiness checks.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}
