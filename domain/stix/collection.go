package stix

import (
	"sort"
	"time"
)

// ImportErrorType classifies a per-object problem recorded during an
// import. These are report entries, not exceptions: the import keeps
// going past all of them.
type ImportErrorType string

const (
	ImportErrorUnknownObjectType   ImportErrorType = "unknownObjectType"
	ImportErrorSave                ImportErrorType = "saveError"
	ImportErrorRetrieval           ImportErrorType = "retrievalError"
	ImportErrorNotInContents       ImportErrorType = "notInContents"
	ImportErrorMissingObject       ImportErrorType = "missingObject"
	ImportErrorSpecVersion         ImportErrorType = "attackSpecVersionViolation"
	ImportErrorDuplicateCollection ImportErrorType = "duplicateCollection"
)

// ImportError records one non-fatal problem with one declared object.
type ImportError struct {
	ObjectRef      string          `json:"object_ref"`
	ObjectModified time.Time       `json:"object_modified,omitempty"`
	ErrorType      ImportErrorType `json:"error_type"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// ImportCategories buckets every imported object by its relationship to
// the store's existing history. The categories are mutually exclusive:
// each processed object lands in exactly one.
type ImportCategories struct {
	Additions    []string `json:"additions"`
	Changes      []string `json:"changes"`
	MinorChanges []string `json:"minor_changes"`
	Revocations  []string `json:"revocations"`
	Deprecations []string `json:"deprecations"`
	Duplicates   []string `json:"duplicates"`
	OutOfDate    []string `json:"out_of_date"`
}

// NewImportCategories returns categories with every bucket allocated so
// serialized reports always show all buckets.
func NewImportCategories() *ImportCategories {
	return &ImportCategories{
		Additions:    []string{},
		Changes:      []string{},
		MinorChanges: []string{},
		Revocations:  []string{},
		Deprecations: []string{},
		Duplicates:   []string{},
		OutOfDate:    []string{},
	}
}

// ImportReferences records the external-reference reconciliation outcome
// of an import.
type ImportReferences struct {
	Additions []string `json:"additions"`
	Changes   []string `json:"changes"`
}

// NewImportReferences returns an empty reference report.
func NewImportReferences() *ImportReferences {
	return &ImportReferences{Additions: []string{}, Changes: []string{}}
}

// ContentsLookup indexes a collection manifest by (object_ref, epoch
// seconds of object_modified) for O(1) membership checks during import.
type ContentsLookup map[string]map[int64]ManifestEntry

// NewContentsLookup builds the lookup from a manifest.
func NewContentsLookup(contents []ManifestEntry) ContentsLookup {
	lookup := make(ContentsLookup, len(contents))
	for _, entry := range contents {
		byModified := lookup[entry.ObjectRef]
		if byModified == nil {
			byModified = make(map[int64]ManifestEntry)
			lookup[entry.ObjectRef] = byModified
		}
		byModified[EpochSeconds(entry.ObjectModified)] = entry
	}
	return lookup
}

// Take removes and returns the manifest entry matching the object, if
// declared. Entries still present after every bundle object has been
// processed were declared but never delivered.
func (l ContentsLookup) Take(id string, modified time.Time) (ManifestEntry, bool) {
	byModified, ok := l[id]
	if !ok {
		return ManifestEntry{}, false
	}
	key := EpochSeconds(modified)
	entry, ok := byModified[key]
	if !ok {
		return ManifestEntry{}, false
	}
	delete(byModified, key)
	if len(byModified) == 0 {
		delete(l, id)
	}
	return entry, true
}

// Remaining returns the undelivered manifest entries sorted by object ref
// for deterministic reporting.
func (l ContentsLookup) Remaining() []ManifestEntry {
	var remaining []ManifestEntry
	for _, byModified := range l {
		for _, entry := range byModified {
			remaining = append(remaining, entry)
		}
	}
	sort.Slice(remaining, func(i, j int) bool {
		if remaining[i].ObjectRef != remaining[j].ObjectRef {
			return remaining[i].ObjectRef < remaining[j].ObjectRef
		}
		return remaining[i].ObjectModified.Before(remaining[j].ObjectModified)
	})
	return remaining
}
