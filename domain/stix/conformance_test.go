package stix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformToSpecVersion(t *testing.T) {
	t.Run("2.1 tags objects and sets is_family on malware", func(t *testing.T) {
		e := &Envelope{
			Type:   TypeMalware,
			Labels: []string{"malware"},
		}

		ConformToSpecVersion(e, SpecVersion21)

		assert.Equal(t, SpecVersion21, e.SpecVersion)
		assert.Nil(t, e.Labels)
		require.NotNil(t, e.IsFamily)
		assert.True(t, *e.IsFamily)
	})

	t.Run("2.1 defaults is_family false for tools", func(t *testing.T) {
		e := &Envelope{Type: TypeTool}

		ConformToSpecVersion(e, SpecVersion21)

		require.NotNil(t, e.IsFamily)
		assert.False(t, *e.IsFamily)
	})

	t.Run("2.1 keeps an explicit is_family", func(t *testing.T) {
		isFamily := false
		e := &Envelope{Type: TypeMalware, IsFamily: &isFamily}

		ConformToSpecVersion(e, SpecVersion21)

		require.NotNil(t, e.IsFamily)
		assert.False(t, *e.IsFamily)
	})

	t.Run("2.0 strips spec_version and models software with labels", func(t *testing.T) {
		isFamily := true
		e := &Envelope{
			Type:        TypeMalware,
			SpecVersion: SpecVersion21,
			IsFamily:    &isFamily,
		}

		ConformToSpecVersion(e, SpecVersion20)

		assert.Empty(t, e.SpecVersion)
		assert.Nil(t, e.IsFamily)
		assert.Equal(t, []string{"malware"}, e.Labels)
	})

	t.Run("2.0 keeps existing labels", func(t *testing.T) {
		e := &Envelope{
			Type:   TypeTool,
			Labels: []string{"remote-access"},
		}

		ConformToSpecVersion(e, SpecVersion20)

		assert.Equal(t, []string{"remote-access"}, e.Labels)
	})

	t.Run("non-software types untouched beyond version tag", func(t *testing.T) {
		e := &Envelope{Type: TypeTechnique}

		ConformToSpecVersion(e, SpecVersion21)

		assert.Equal(t, SpecVersion21, e.SpecVersion)
		assert.Nil(t, e.IsFamily)
		assert.Nil(t, e.Labels)
	})

	t.Run("empty lists are dropped", func(t *testing.T) {
		e := &Envelope{
			Type:              TypeTechnique,
			Domains:           []string{},
			ObjectMarkingRefs: []string{},
		}

		ConformToSpecVersion(e, SpecVersion21)

		assert.Nil(t, e.Domains)
		assert.Nil(t, e.ObjectMarkingRefs)
	})
}

func TestVersionTimestamp(t *testing.T) {
	created := mustTime(t, "2024-01-01T00:00:00.000Z")
	modified := mustTime(t, "2024-06-01T00:00:00.000Z")

	marking := &Envelope{Type: TypeMarkingDefinition, Created: created, Modified: modified}
	technique := &Envelope{Type: TypeTechnique, Created: created, Modified: modified}

	assert.Equal(t, created, marking.VersionTimestamp())
	assert.Equal(t, modified, technique.VersionTimestamp())
}

func TestEpochSecondsToleratesSubSecondJitter(t *testing.T) {
	a := mustTime(t, "2024-01-01T00:00:00.000Z")
	b := mustTime(t, "2024-01-01T00:00:00.999Z")
	c := mustTime(t, "2024-01-01T00:00:01.000Z")

	assert.Equal(t, EpochSeconds(a), EpochSeconds(b))
	assert.NotEqual(t, EpochSeconds(a), EpochSeconds(c))
}
