package stix

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func attackRef(id, url string) ExternalReference {
	return ExternalReference{SourceName: "mitre-attack", ExternalID: id, URL: url}
}

func TestExpandLinkByIDs(t *testing.T) {
	technique := &Envelope{
		ID:   "attack-pattern--11111111-1111-4111-8111-111111111111",
		Type: TypeTechnique,
		ExternalReferences: []ExternalReference{
			attackRef("T1234", "https://attack.example.com/techniques/T1234"),
		},
	}
	resolve := func(id string) *Envelope {
		if id == technique.ID {
			return technique
		}
		return nil
	}

	t.Run("rewrites markers into markdown links", func(t *testing.T) {
		text := "See (LinkById: attack-pattern--11111111-1111-4111-8111-111111111111) for details."

		out, ok := ExpandLinkByIDs(text, resolve)

		assert.True(t, ok)
		assert.Equal(t, "See [T1234](https://attack.example.com/techniques/T1234) for details.", out)
	})

	t.Run("leaves unresolved markers in place", func(t *testing.T) {
		text := "See (LinkById: attack-pattern--22222222-2222-4222-8222-222222222222)."

		out, ok := ExpandLinkByIDs(text, resolve)

		assert.False(t, ok)
		assert.Equal(t, text, out)
	})

	t.Run("resolves each distinct id once", func(t *testing.T) {
		calls := 0
		counting := func(id string) *Envelope {
			calls++
			return resolve(id)
		}
		text := "(LinkById: attack-pattern--11111111-1111-4111-8111-111111111111) and again " +
			"(LinkById: attack-pattern--11111111-1111-4111-8111-111111111111)"

		_, ok := ExpandLinkByIDs(text, counting)

		assert.True(t, ok)
		assert.Equal(t, 1, calls)
	})

	t.Run("empty text passes through", func(t *testing.T) {
		out, ok := ExpandLinkByIDs("", resolve)
		assert.True(t, ok)
		assert.Equal(t, "", out)
	})
}

func TestExpandObjectLinkByIDs(t *testing.T) {
	target := &Envelope{
		ID:   "malware--33333333-3333-4333-8333-333333333333",
		Type: TypeMalware,
		ExternalReferences: []ExternalReference{
			attackRef("S0999", "https://attack.example.com/software/S0999"),
		},
	}
	resolve := func(id string) *Envelope {
		if id == target.ID {
			return target
		}
		return nil
	}

	obj := &Envelope{
		Description: "Uses (LinkById: malware--33333333-3333-4333-8333-333333333333).",
		Content:     "Related to (LinkById: malware--33333333-3333-4333-8333-333333333333).",
	}

	ok := ExpandObjectLinkByIDs(obj, resolve)

	assert.True(t, ok)
	assert.Equal(t, "Uses [S0999](https://attack.example.com/software/S0999).", obj.Description)
	assert.Equal(t, "Related to [S0999](https://attack.example.com/software/S0999).", obj.Content)
}
