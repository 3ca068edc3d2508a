package stix

import (
	"fmt"

	"github.com/google/uuid"
)

// Bundle is the transient container the export engine produces and the
// import engine consumes. It is never persisted; lifetime is one request.
type Bundle struct {
	Type        string      `json:"type"`
	ID          string      `json:"id"`
	SpecVersion string      `json:"spec_version,omitempty"`
	Objects     []*Envelope `json:"objects"`
}

// NewBundle returns an empty bundle with a fresh identifier. STIX 2.1
// bundles carry no spec_version field; member objects carry their own.
func NewBundle(specVersion string) *Bundle {
	b := &Bundle{
		Type:    "bundle",
		ID:      fmt.Sprintf("bundle--%s", uuid.NewString()),
		Objects: []*Envelope{},
	}
	if specVersion == SpecVersion20 {
		b.SpecVersion = SpecVersion20
	}
	return b
}

// Add appends an object payload to the bundle.
func (b *Bundle) Add(e *Envelope) {
	b.Objects = append(b.Objects, e)
}

// Prepend inserts an object at the front of the bundle. Used for the
// synthesized collection summary, which readers expect first.
func (b *Bundle) Prepend(e *Envelope) {
	b.Objects = append([]*Envelope{e}, b.Objects...)
}

// NewObjectID generates a stable id for a new object of the given type.
func NewObjectID(t ObjectType) string {
	return fmt.Sprintf("%s--%s", t, uuid.NewString())
}
