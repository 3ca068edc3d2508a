package stix

import (
	"time"
)

// Workflow states tracked on workspace metadata.
const (
	WorkflowWorkInProgress = "work-in-progress"
	WorkflowAwaitingReview = "awaiting-review"
	WorkflowReviewed       = "reviewed"
	WorkflowStatic         = "static"
)

// RelationshipDirection tags which side of an embedded relationship this
// object is on.
type RelationshipDirection string

const (
	DirectionInbound  RelationshipDirection = "inbound"
	DirectionOutbound RelationshipDirection = "outbound"
)

// EmbeddedRelationship is a denormalized back-reference cached on an
// object's workspace metadata so reads do not need graph joins.
type EmbeddedRelationship struct {
	Direction RelationshipDirection `json:"direction"`
	TargetRef string                `json:"target_ref"`
	AttackID  string                `json:"attack_id,omitempty"`
}

// CollectionMembership records that one version of an object belongs to
// one version of a collection.
type CollectionMembership struct {
	CollectionRef      string    `json:"collection_ref"`
	CollectionModified time.Time `json:"collection_modified"`
}

// ReimportRecord is appended to a collection's workspace when the same
// collection version is imported again with the duplicate check forced
// off.
type ReimportRecord struct {
	ImportedAt time.Time `json:"imported_at"`
}

// Workflow carries editorial state for an object version.
type Workflow struct {
	State string `json:"state,omitempty"`
}

// Workspace is the non-portable metadata stored alongside the STIX
// payload. It never leaves the store in an exported bundle.
type Workspace struct {
	Workflow              Workflow               `json:"workflow"`
	AttackID              string                 `json:"attack_id,omitempty"`
	Collections           []CollectionMembership `json:"collections,omitempty"`
	EmbeddedRelationships []EmbeddedRelationship `json:"embedded_relationships,omitempty"`
	Reimports             []ReimportRecord       `json:"reimports,omitempty"`
	ImportCategories      *ImportCategories      `json:"import_categories,omitempty"`
	ImportErrors          []ImportError          `json:"import_errors,omitempty"`
	ImportReferences      *ImportReferences      `json:"import_references,omitempty"`
}

// Object is the unit of storage: one version of one conceptual object,
// keyed by (Stix.ID, Stix.Modified).
type Object struct {
	Stix      Envelope  `json:"stix"`
	Workspace Workspace `json:"workspace"`
}

// StableID is the identifier shared by every version of this object.
func (o *Object) StableID() string {
	return o.Stix.ID
}

// MergeEmbeddedRelationships rebuilds the outbound embedded relationships
// of existing while preserving its inbound entries. Outbound entries are
// derived from this object's own references and are authoritative on
// every write; inbound entries are owned by the objects pointing here and
// must survive the merge untouched.
func MergeEmbeddedRelationships(existing, outbound []EmbeddedRelationship) []EmbeddedRelationship {
	merged := make([]EmbeddedRelationship, 0, len(existing)+len(outbound))
	for _, rel := range existing {
		if rel.Direction == DirectionInbound {
			merged = append(merged, rel)
		}
	}
	return append(merged, outbound...)
}

// LatestVersion returns the version with the greatest version timestamp,
// or nil for an empty slice.
func LatestVersion(versions []*Object) *Object {
	var latest *Object
	for _, v := range versions {
		if latest == nil || v.Stix.VersionTimestamp().After(latest.Stix.VersionTimestamp()) {
			latest = v
		}
	}
	return latest
}
