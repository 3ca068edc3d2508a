package ports

import (
	"context"
	"time"

	"threatgraph/domain/stix"
)

// VersionFilter controls which lifecycle states a query returns.
type VersionFilter struct {
	// IncludeRevoked keeps revoked objects in the result set.
	IncludeRevoked bool

	// IncludeDeprecated keeps deprecated objects in the result set.
	IncludeDeprecated bool

	// State, when non-empty, keeps only objects whose workflow state
	// matches.
	State string
}

// DomainQuery selects the latest versions of objects tagged with a domain.
type DomainQuery struct {
	Domain string
	Types  []stix.ObjectType
	VersionFilter
}

// ObjectRepository is the versioned object store. Versions are keyed by
// (stable id, modified); the store's uniqueness constraint on that pair
// is what rejects concurrent duplicate-version writes.
type ObjectRepository interface {
	// Create persists a new object version. Returns a duplicate-id
	// conflict error if the exact (id, modified) pair already exists.
	Create(ctx context.Context, obj *stix.Object) error

	// Update replaces an existing version in place. Only workspace
	// metadata legitimately changes this way; new content is always a
	// new version.
	Update(ctx context.Context, obj *stix.Object) error

	// RetrieveAllVersions returns every stored version of a stable id,
	// oldest first.
	RetrieveAllVersions(ctx context.Context, stableID string) ([]*stix.Object, error)

	// RetrieveLatest returns the latest version of a stable id, or a
	// not-found error.
	RetrieveLatest(ctx context.Context, stableID string) (*stix.Object, error)

	// RetrieveVersion returns the exact (id, modified) version.
	RetrieveVersion(ctx context.Context, stableID string, modified time.Time) (*stix.Object, error)

	// RetrieveAllByDomain returns the latest version of every object
	// tagged with the domain, filtered by type and lifecycle state.
	RetrieveAllByDomain(ctx context.Context, query DomainQuery) ([]*stix.Object, error)

	// RetrieveAllByType returns the latest version of every object of the
	// given type that passes the version filter.
	RetrieveAllByType(ctx context.Context, objectType stix.ObjectType, filter VersionFilter) ([]*stix.Object, error)

	// RetrieveAllRelationships returns the latest version of every
	// relationship matching the filter.
	RetrieveAllRelationships(ctx context.Context, filter VersionFilter) ([]*stix.Object, error)

	// RetrieveDetectionStrategiesReferencingAnalytics returns the latest
	// detection strategies whose analytic reference list intersects
	// analyticIDs.
	RetrieveDetectionStrategiesReferencingAnalytics(ctx context.Context, analyticIDs []string, filter VersionFilter) ([]*stix.Object, error)
}

// ReferenceRecord is a canonical external cross-reference keyed by source
// name.
type ReferenceRecord struct {
	SourceName  string `json:"source_name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ReferenceFilter narrows a reference listing.
type ReferenceFilter struct {
	// SourceNames, when non-empty, restricts the listing to those names.
	SourceNames []string
}

// ReferenceRepository is the canonical cross-reference store.
type ReferenceRepository interface {
	RetrieveAll(ctx context.Context, filter ReferenceFilter) ([]ReferenceRecord, error)
	Create(ctx context.Context, record ReferenceRecord) error
	Update(ctx context.Context, record ReferenceRecord) error
}

// CollectionImportedEvent summarizes a completed import for downstream
// consumers.
type CollectionImportedEvent struct {
	CollectionRef      string    `json:"collection_ref"`
	CollectionModified time.Time `json:"collection_modified"`
	ObjectCount        int       `json:"object_count"`
	ErrorCount         int       `json:"error_count"`
	ImportedAt         time.Time `json:"imported_at"`
}

// EventPublisher publishes object-lifecycle events. Publish failures are
// advisory: callers log them and keep going.
type EventPublisher interface {
	PublishCollectionImported(ctx context.Context, event CollectionImportedEvent) error
}
