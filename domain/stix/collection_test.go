package stix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, value)
	require.NoError(t, err)
	return ts
}

func TestContentsLookup(t *testing.T) {
	modified := mustTime(t, "2024-03-01T12:00:00.000Z")
	contents := []ManifestEntry{
		{ObjectRef: "attack-pattern--aaa", ObjectModified: modified},
		{ObjectRef: "malware--bbb", ObjectModified: modified},
	}

	t.Run("take matches at second granularity", func(t *testing.T) {
		lookup := NewContentsLookup(contents)

		jittered := mustTime(t, "2024-03-01T12:00:00.417Z")
		entry, ok := lookup.Take("attack-pattern--aaa", jittered)

		assert.True(t, ok)
		assert.Equal(t, "attack-pattern--aaa", entry.ObjectRef)
	})

	t.Run("take removes the entry", func(t *testing.T) {
		lookup := NewContentsLookup(contents)

		_, first := lookup.Take("malware--bbb", modified)
		_, second := lookup.Take("malware--bbb", modified)

		assert.True(t, first)
		assert.False(t, second)
	})

	t.Run("undeclared objects are not found", func(t *testing.T) {
		lookup := NewContentsLookup(contents)

		_, ok := lookup.Take("tool--ccc", modified)
		assert.False(t, ok)

		_, ok = lookup.Take("attack-pattern--aaa", modified.Add(time.Hour))
		assert.False(t, ok)
	})

	t.Run("remaining reports undelivered entries sorted", func(t *testing.T) {
		lookup := NewContentsLookup(contents)
		lookup.Take("malware--bbb", modified)

		remaining := lookup.Remaining()

		require.Len(t, remaining, 1)
		assert.Equal(t, "attack-pattern--aaa", remaining[0].ObjectRef)
	})
}

func TestMergeEmbeddedRelationships(t *testing.T) {
	existing := []EmbeddedRelationship{
		{Direction: DirectionInbound, TargetRef: "attack-pattern--aaa", AttackID: "T0001"},
		{Direction: DirectionOutbound, TargetRef: "x-mitre-analytic--old", AttackID: "AN0001"},
	}
	outbound := []EmbeddedRelationship{
		{Direction: DirectionOutbound, TargetRef: "x-mitre-analytic--new", AttackID: "AN0002"},
	}

	merged := MergeEmbeddedRelationships(existing, outbound)

	require.Len(t, merged, 2)
	assert.Equal(t, DirectionInbound, merged[0].Direction)
	assert.Equal(t, "attack-pattern--aaa", merged[0].TargetRef)
	assert.Equal(t, "x-mitre-analytic--new", merged[1].TargetRef)
}
