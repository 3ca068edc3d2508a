package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"threatgraph/application/ports"
	"threatgraph/domain/stix"
	apperrors "threatgraph/pkg/errors"
)

// ObjectStore provides an in-memory implementation of
// ports.ObjectRepository. Used by tests and local development; semantics
// mirror the DynamoDB repository, including the (id, modified) uniqueness
// constraint.
type ObjectStore struct {
	mu       sync.RWMutex
	versions map[string][]*stix.Object // stable id -> versions, oldest first
}

// NewObjectStore creates a new in-memory object store
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		versions: make(map[string][]*stix.Object),
	}
}

// clone deep-copies an object through JSON so callers can never mutate
// stored state.
func clone(obj *stix.Object) *stix.Object {
	data, err := json.Marshal(obj)
	if err != nil {
		panic(fmt.Sprintf("clone object: %v", err))
	}
	var copied stix.Object
	if err := json.Unmarshal(data, &copied); err != nil {
		panic(fmt.Sprintf("clone object: %v", err))
	}
	return &copied
}

// Create persists a new object version, rejecting duplicate
// (id, modified) pairs.
func (s *ObjectStore) Create(ctx context.Context, obj *stix.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versionTS := obj.Stix.VersionTimestamp()
	for _, existing := range s.versions[obj.Stix.ID] {
		if existing.Stix.VersionTimestamp().Equal(versionTS) {
			return apperrors.NewDuplicateIDError(obj.Stix.ID)
		}
	}

	stored := clone(obj)
	s.versions[obj.Stix.ID] = append(s.versions[obj.Stix.ID], stored)
	sort.SliceStable(s.versions[obj.Stix.ID], func(i, j int) bool {
		versions := s.versions[obj.Stix.ID]
		return versions[i].Stix.VersionTimestamp().Before(versions[j].Stix.VersionTimestamp())
	})
	return nil
}

// Update replaces an existing version in place.
func (s *ObjectStore) Update(ctx context.Context, obj *stix.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versionTS := obj.Stix.VersionTimestamp()
	stored := s.versions[obj.Stix.ID]
	for i, existing := range stored {
		if existing.Stix.VersionTimestamp().Equal(versionTS) {
			stored[i] = clone(obj)
			return nil
		}
	}
	return apperrors.NewNotFoundError(fmt.Sprintf("object %s", obj.Stix.ID))
}

// RetrieveAllVersions returns every stored version of a stable id, oldest
// first.
func (s *ObjectStore) RetrieveAllVersions(ctx context.Context, stableID string) ([]*stix.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.versions[stableID]
	versions := make([]*stix.Object, 0, len(stored))
	for _, v := range stored {
		versions = append(versions, clone(v))
	}
	return versions, nil
}

// RetrieveLatest returns the latest version of a stable id.
func (s *ObjectStore) RetrieveLatest(ctx context.Context, stableID string) (*stix.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.versions[stableID]
	if len(stored) == 0 {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("object %s", stableID))
	}
	return clone(stored[len(stored)-1]), nil
}

// RetrieveVersion returns the exact (id, modified) version.
func (s *ObjectStore) RetrieveVersion(ctx context.Context, stableID string, modified time.Time) (*stix.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[stableID] {
		if v.Stix.VersionTimestamp().Equal(modified) {
			return clone(v), nil
		}
	}
	return nil, apperrors.NewNotFoundError(fmt.Sprintf("object %s version %s", stableID, modified.Format(time.RFC3339)))
}

func matchesFilter(obj *stix.Object, filter ports.VersionFilter) bool {
	if obj.Stix.Revoked && !filter.IncludeRevoked {
		return false
	}
	if obj.Stix.Deprecated && !filter.IncludeDeprecated {
		return false
	}
	if filter.State != "" && obj.Workspace.Workflow.State != filter.State {
		return false
	}
	return true
}

func (s *ObjectStore) latestByType(types map[stix.ObjectType]bool) []*stix.Object {
	var latest []*stix.Object
	for _, stored := range s.versions {
		if len(stored) == 0 {
			continue
		}
		newest := stored[len(stored)-1]
		if types[newest.Stix.Type] {
			latest = append(latest, newest)
		}
	}
	sort.Slice(latest, func(i, j int) bool {
		return latest[i].Stix.ID < latest[j].Stix.ID
	})
	return latest
}

// RetrieveAllByDomain returns the latest version of every object tagged
// with the domain, filtered by type and lifecycle state.
func (s *ObjectStore) RetrieveAllByDomain(ctx context.Context, query ports.DomainQuery) ([]*stix.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[stix.ObjectType]bool, len(query.Types))
	for _, t := range query.Types {
		wanted[t] = true
	}

	var matched []*stix.Object
	for _, obj := range s.latestByType(wanted) {
		if !obj.Stix.HasDomain(query.Domain) {
			continue
		}
		if !matchesFilter(obj, query.VersionFilter) {
			continue
		}
		matched = append(matched, clone(obj))
	}
	return matched, nil
}

// RetrieveAllRelationships returns the latest version of every
// relationship matching the filter.
func (s *ObjectStore) RetrieveAllRelationships(ctx context.Context, filter ports.VersionFilter) ([]*stix.Object, error) {
	return s.RetrieveAllByType(ctx, stix.TypeRelationship, filter)
}

// RetrieveAllByType returns the latest version of every object of the
// given type matching the filter.
func (s *ObjectStore) RetrieveAllByType(ctx context.Context, objectType stix.ObjectType, filter ports.VersionFilter) ([]*stix.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*stix.Object
	for _, obj := range s.latestByType(map[stix.ObjectType]bool{objectType: true}) {
		if !matchesFilter(obj, filter) {
			continue
		}
		matched = append(matched, clone(obj))
	}
	return matched, nil
}

// RetrieveDetectionStrategiesReferencingAnalytics returns latest detection
// strategies whose analytic reference list intersects analyticIDs.
func (s *ObjectStore) RetrieveDetectionStrategiesReferencingAnalytics(ctx context.Context, analyticIDs []string, filter ports.VersionFilter) ([]*stix.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(analyticIDs))
	for _, id := range analyticIDs {
		wanted[id] = true
	}

	var matched []*stix.Object
	for _, obj := range s.latestByType(map[stix.ObjectType]bool{stix.TypeDetectionStrategy: true}) {
		if !matchesFilter(obj, filter) {
			continue
		}
		for _, ref := range obj.Stix.AnalyticRefs {
			if wanted[ref] {
				matched = append(matched, clone(obj))
				break
			}
		}
	}
	return matched, nil
}
