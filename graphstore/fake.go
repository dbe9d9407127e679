package graphstore

import (
	"context"
	"sync"

	"github.com/evalgo/codeatlas/model"
)

// FakeDriver is an in-memory Driver for worker unit tests: a
// call-recording fake behind the same interface as the real client.
type FakeDriver struct {
	mu            sync.Mutex
	POIs          map[string]model.POI
	Relationships []FakeRelationship
	Deleted       []string
	Renamed       map[string]string
}

type FakeRelationship struct {
	SourcePOIID string
	TargetPOIID string
	Type        model.RelationshipType
	Confidence  float64
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		POIs:    make(map[string]model.POI),
		Renamed: make(map[string]string),
	}
}

func (f *FakeDriver) UpsertPOI(ctx context.Context, p *model.POI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.POIs[p.ID] = *p
	return nil
}

func (f *FakeDriver) UpsertRelationship(ctx context.Context, r *model.ResolvedRelationship, relType model.RelationshipType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, allowed := range model.AllowedRelationshipTypes {
		if allowed == relType {
			f.Relationships = append(f.Relationships, FakeRelationship{
				SourcePOIID: r.SourcePOIID,
				TargetPOIID: r.TargetPOIID,
				Type:        relType,
				Confidence:  r.Confidence,
			})
			return nil
		}
	}
	return errRelationshipNotAllowed(relType)
}

func (f *FakeDriver) DeleteFile(ctx context.Context, filePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.POIs {
		if p.FilePath == filePath {
			delete(f.POIs, id)
		}
	}
	f.Deleted = append(f.Deleted, filePath)
	return nil
}

func (f *FakeDriver) RenameFile(ctx context.Context, oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.POIs {
		if p.FilePath == oldPath {
			p.FilePath = newPath
			f.POIs[id] = p
		}
	}
	f.Renamed[oldPath] = newPath
	return nil
}

func (f *FakeDriver) Close(ctx context.Context) error { return nil }

// ExecuteBatch hands fn the fake itself as its GraphTx, so batched writes
// land in the same maps direct calls do; an error from fn rolls nothing back.
func (f *FakeDriver) ExecuteBatch(ctx context.Context, fn func(tx GraphTx) error) error {
	return fn(f)
}

func errRelationshipNotAllowed(t model.RelationshipType) error {
	return &relationshipNotAllowedError{t}
}

type relationshipNotAllowedError struct{ t model.RelationshipType }

func (e *relationshipNotAllowedError) Error() string {
	return "graphstore: relationship type not allowed: " + string(e.t)
}
