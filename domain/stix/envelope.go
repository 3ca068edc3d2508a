package stix

import (
	"time"
)

// SpecVersion tags for the two interchange-format versions the export
// engine can emit.
const (
	SpecVersion20 = "2.0"
	SpecVersion21 = "2.1"
)

// CurrentAttackSpecVersion is the newest x_mitre_attack_spec_version this
// deployment understands. Imported objects declaring a newer version are
// rejected unless the caller forces the import.
const CurrentAttackSpecVersion = "3.3.0"

// ExternalReference is a citation or canonical ID reference attached to
// an object.
type ExternalReference struct {
	SourceName  string `json:"source_name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
}

// ManifestEntry names one exact member version of a collection.
type ManifestEntry struct {
	ObjectRef      string    `json:"object_ref"`
	ObjectModified time.Time `json:"object_modified"`
}

// Envelope is the portable STIX payload of a versioned object. One struct
// covers every type in the closed set; type-specific fields are tagged
// omitempty so serialized objects only carry what their type uses.
type Envelope struct {
	ID          string     `json:"id"`
	Type        ObjectType `json:"type"`
	SpecVersion string     `json:"spec_version,omitempty"`
	Created     time.Time  `json:"created"`
	Modified    time.Time  `json:"modified,omitempty"`

	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	CreatedByRef string   `json:"created_by_ref,omitempty"`
	Revoked      bool     `json:"revoked,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	Aliases      []string `json:"aliases,omitempty"`

	ExternalReferences []ExternalReference `json:"external_references,omitempty"`
	ObjectMarkingRefs  []string            `json:"object_marking_refs,omitempty"`

	// relationship
	RelationshipType string `json:"relationship_type,omitempty"`
	SourceRef        string `json:"source_ref,omitempty"`
	TargetRef        string `json:"target_ref,omitempty"`

	// marking-definition
	DefinitionType string            `json:"definition_type,omitempty"`
	Definition     *MarkingStatement `json:"definition,omitempty"`

	// malware / tool
	IsFamily *bool `json:"is_family,omitempty"`

	// note
	Content    string   `json:"content,omitempty"`
	ObjectRefs []string `json:"object_refs,omitempty"`

	// ATT&CK extension fields
	AttackSpecVersion string          `json:"x_mitre_attack_spec_version,omitempty"`
	Version           string          `json:"x_mitre_version,omitempty"`
	Domains           []string        `json:"x_mitre_domains,omitempty"`
	Deprecated        bool            `json:"x_mitre_deprecated,omitempty"`
	Platforms         []string        `json:"x_mitre_platforms,omitempty"`
	AnalyticRefs      []string        `json:"x_mitre_analytic_refs,omitempty"`
	Contents          []ManifestEntry `json:"x_mitre_contents,omitempty"`
}

// MarkingStatement is the payload of a statement marking definition.
type MarkingStatement struct {
	Statement string `json:"statement,omitempty"`
}

// AttackID returns the canonical ATT&CK ID from the object's external
// references, or "" if none is present.
func (e *Envelope) AttackID() string {
	for i := range e.ExternalReferences {
		ref := &e.ExternalReferences[i]
		if IsAttackIDSource(ref.SourceName) && ref.ExternalID != "" {
			return ref.ExternalID
		}
	}
	return ""
}

// AttackIDURL returns the resolved URL of the canonical ATT&CK ID
// reference, or "" if the object has no resolved ID reference.
func (e *Envelope) AttackIDURL() string {
	for i := range e.ExternalReferences {
		ref := &e.ExternalReferences[i]
		if IsAttackIDSource(ref.SourceName) && ref.ExternalID != "" {
			return ref.URL
		}
	}
	return ""
}

// VersionTimestamp is the timestamp that distinguishes versions of this
// object. Marking definitions are never modified after creation, so they
// version by created; every other type versions by modified.
func (e *Envelope) VersionTimestamp() time.Time {
	if e.Type == TypeMarkingDefinition {
		return e.Created
	}
	return e.Modified
}

// EpochSeconds truncates t to second granularity for duplicate
// comparison. Serialization round-trips can perturb sub-second precision,
// so version identity is decided at whole-second resolution. The exact
// truncation matters: changing it reclassifies existing imports.
func EpochSeconds(t time.Time) int64 {
	return t.Unix()
}

// HasDomain reports whether the envelope's domain list contains domain.
func (e *Envelope) HasDomain(domain string) bool {
	for _, d := range e.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// IsActive reports whether the object is neither deprecated nor revoked.
func (e *Envelope) IsActive() bool {
	return !e.Deprecated && !e.Revoked
}
