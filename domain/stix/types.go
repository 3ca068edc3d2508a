package stix

// ObjectType identifies a STIX object type. The set is closed: dispatch
// tables over ObjectType are built in one place so a new type is a
// compile-visible edit rather than a silent runtime no-op.
type ObjectType string

const (
	TypeMarkingDefinition ObjectType = "marking-definition"
	TypeIdentity          ObjectType = "identity"
	TypeDataSource        ObjectType = "x-mitre-data-source"
	TypeDataComponent     ObjectType = "x-mitre-data-component"
	TypeAnalytic          ObjectType = "x-mitre-analytic"
	TypeDetectionStrategy ObjectType = "x-mitre-detection-strategy"
	TypeTechnique         ObjectType = "attack-pattern"
	TypeTactic            ObjectType = "x-mitre-tactic"
	TypeMitigation        ObjectType = "course-of-action"
	TypeGroup             ObjectType = "intrusion-set"
	TypeCampaign          ObjectType = "campaign"
	TypeMalware           ObjectType = "malware"
	TypeTool              ObjectType = "tool"
	TypeAsset             ObjectType = "x-mitre-asset"
	TypeMatrix            ObjectType = "x-mitre-matrix"
	TypeRelationship      ObjectType = "relationship"
	TypeNote              ObjectType = "note"
	TypeCollection        ObjectType = "x-mitre-collection"
)

// importOrder is the creation order for imported objects. Types another
// type's create hook looks up (analytics before detection strategies,
// data sources before data components) come first; relationships come
// after every endpoint type, collections always last. The type graph is
// acyclic by construction, so a fixed total order is sufficient.
var importOrder = []ObjectType{
	TypeMarkingDefinition,
	TypeIdentity,
	TypeDataSource,
	TypeDataComponent,
	TypeAnalytic,
	TypeDetectionStrategy,
	TypeTechnique,
	TypeTactic,
	TypeMitigation,
	TypeGroup,
	TypeCampaign,
	TypeMalware,
	TypeTool,
	TypeAsset,
	TypeMatrix,
	TypeRelationship,
	TypeNote,
	TypeCollection,
}

var importRank = buildImportRank()

func buildImportRank() map[ObjectType]int {
	ranks := make(map[ObjectType]int, len(importOrder))
	for i, t := range importOrder {
		ranks[t] = i
	}
	return ranks
}

// ImportRank returns the creation-order rank for a type. Unrecognized
// types sort after every known type.
func ImportRank(t ObjectType) int {
	if rank, ok := importRank[t]; ok {
		return rank
	}
	return len(importOrder)
}

// IsKnownType reports whether t is one of the closed set of object types.
func IsKnownType(t ObjectType) bool {
	_, ok := importRank[t]
	return ok
}

// attackIDRequired lists the types that must carry a canonical ATT&CK ID
// (an external reference with a recognized source name) to be exported.
var attackIDRequired = map[ObjectType]bool{
	TypeTechnique:         true,
	TypeTactic:            true,
	TypeMitigation:        true,
	TypeGroup:             true,
	TypeCampaign:          true,
	TypeMalware:           true,
	TypeTool:              true,
	TypeMatrix:            true,
	TypeDataSource:        true,
	TypeAsset:             true,
	TypeDetectionStrategy: true,
	TypeAnalytic:          true,
}

// RequiresAttackID reports whether objects of type t need a canonical
// ATT&CK ID before they are publishable.
func RequiresAttackID(t ObjectType) bool {
	return attackIDRequired[t]
}

// IsSoftware reports whether t is one of the software types.
func IsSoftware(t ObjectType) bool {
	return t == TypeMalware || t == TypeTool
}

// attackIDSources are the external-reference source names that carry
// canonical ATT&CK IDs.
var attackIDSources = map[string]bool{
	"mitre-attack":        true,
	"mitre-mobile-attack": true,
	"mitre-ics-attack":    true,
}

// IsAttackIDSource reports whether sourceName is a canonical ATT&CK ID
// source rather than a citation source.
func IsAttackIDSource(sourceName string) bool {
	return attackIDSources[sourceName]
}

// Relationship type tags used by the export engine's traversal rules.
const (
	RelationshipUses         = "uses"
	RelationshipDetects      = "detects"
	RelationshipMitigates    = "mitigates"
	RelationshipSubtechnique = "subtechnique-of"
	RelationshipAttributedTo = "attributed-to"
	RelationshipRevokedBy    = "revoked-by"
	RelationshipTargets      = "targets"
)
