package memory

import (
	"context"
	"testing"
	"time"

	"threatgraph/application/ports"
	"threatgraph/domain/stix"
	apperrors "threatgraph/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTechnique(id string, modified time.Time, domains ...string) *stix.Object {
	return &stix.Object{
		Stix: stix.Envelope{
			ID:       id,
			Type:     stix.TypeTechnique,
			Created:  modified.Add(-time.Hour),
			Modified: modified,
			Domains:  domains,
		},
	}
}

func TestObjectStoreCreate(t *testing.T) {
	ctx := context.Background()
	modified := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("rejects duplicate id and modified", func(t *testing.T) {
		store := NewObjectStore()

		require.NoError(t, store.Create(ctx, newTechnique("attack-pattern--aaa", modified, "enterprise-attack")))
		err := store.Create(ctx, newTechnique("attack-pattern--aaa", modified, "enterprise-attack"))

		require.Error(t, err)
		assert.True(t, apperrors.IsDuplicateID(err))
	})

	t.Run("stores multiple versions of a stable id", func(t *testing.T) {
		store := NewObjectStore()

		require.NoError(t, store.Create(ctx, newTechnique("attack-pattern--aaa", modified)))
		require.NoError(t, store.Create(ctx, newTechnique("attack-pattern--aaa", modified.Add(time.Hour))))

		versions, err := store.RetrieveAllVersions(ctx, "attack-pattern--aaa")
		require.NoError(t, err)
		assert.Len(t, versions, 2)
	})

	t.Run("callers cannot mutate stored state", func(t *testing.T) {
		store := NewObjectStore()
		obj := newTechnique("attack-pattern--aaa", modified)
		require.NoError(t, store.Create(ctx, obj))

		obj.Stix.Name = "mutated after save"

		stored, err := store.RetrieveLatest(ctx, "attack-pattern--aaa")
		require.NoError(t, err)
		assert.Empty(t, stored.Stix.Name)
	})
}

func TestObjectStoreRetrieveLatest(t *testing.T) {
	ctx := context.Background()
	store := NewObjectStore()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// Insert out of chronological order; latest must still win.
	require.NoError(t, store.Create(ctx, newTechnique("attack-pattern--aaa", base.Add(2*time.Hour))))
	require.NoError(t, store.Create(ctx, newTechnique("attack-pattern--aaa", base)))

	latest, err := store.RetrieveLatest(ctx, "attack-pattern--aaa")
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Hour), latest.Stix.Modified)

	_, err = store.RetrieveLatest(ctx, "attack-pattern--missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestObjectStoreRetrieveVersion(t *testing.T) {
	ctx := context.Background()
	store := NewObjectStore()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, newTechnique("attack-pattern--aaa", base)))
	require.NoError(t, store.Create(ctx, newTechnique("attack-pattern--aaa", base.Add(time.Hour))))

	version, err := store.RetrieveVersion(ctx, "attack-pattern--aaa", base)
	require.NoError(t, err)
	assert.Equal(t, base, version.Stix.Modified)

	_, err = store.RetrieveVersion(ctx, "attack-pattern--aaa", base.Add(2*time.Hour))
	require.Error(t, err)
}

func TestObjectStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewObjectStore()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	obj := newTechnique("attack-pattern--aaa", base)
	require.NoError(t, store.Create(ctx, obj))

	stored, err := store.RetrieveVersion(ctx, "attack-pattern--aaa", base)
	require.NoError(t, err)
	stored.Workspace.Reimports = append(stored.Workspace.Reimports, stix.ReimportRecord{ImportedAt: base.Add(time.Hour)})
	require.NoError(t, store.Update(ctx, stored))

	reloaded, err := store.RetrieveVersion(ctx, "attack-pattern--aaa", base)
	require.NoError(t, err)
	assert.Len(t, reloaded.Workspace.Reimports, 1)

	missing := newTechnique("attack-pattern--missing", base)
	require.Error(t, store.Update(ctx, missing))
}

func TestObjectStoreRetrieveAllByDomain(t *testing.T) {
	ctx := context.Background()
	store := NewObjectStore()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, newTechnique("attack-pattern--enterprise", base, "enterprise-attack")))
	require.NoError(t, store.Create(ctx, newTechnique("attack-pattern--mobile", base, "mobile-attack")))

	deprecated := newTechnique("attack-pattern--old", base, "enterprise-attack")
	deprecated.Stix.Deprecated = true
	require.NoError(t, store.Create(ctx, deprecated))

	t.Run("filters by domain and excludes deprecated by default", func(t *testing.T) {
		objects, err := store.RetrieveAllByDomain(ctx, ports.DomainQuery{
			Domain: "enterprise-attack",
			Types:  []stix.ObjectType{stix.TypeTechnique},
		})
		require.NoError(t, err)
		require.Len(t, objects, 1)
		assert.Equal(t, "attack-pattern--enterprise", objects[0].Stix.ID)
	})

	t.Run("includeDeprecated keeps deprecated objects", func(t *testing.T) {
		objects, err := store.RetrieveAllByDomain(ctx, ports.DomainQuery{
			Domain:        "enterprise-attack",
			Types:         []stix.ObjectType{stix.TypeTechnique},
			VersionFilter: ports.VersionFilter{IncludeDeprecated: true},
		})
		require.NoError(t, err)
		assert.Len(t, objects, 2)
	})

	t.Run("only the latest version is considered", func(t *testing.T) {
		// A newer version drops the domain tag; the object must vanish
		// from the domain query.
		moved := newTechnique("attack-pattern--enterprise", base.Add(time.Hour), "ics-attack")
		require.NoError(t, store.Create(ctx, moved))

		objects, err := store.RetrieveAllByDomain(ctx, ports.DomainQuery{
			Domain: "enterprise-attack",
			Types:  []stix.ObjectType{stix.TypeTechnique},
		})
		require.NoError(t, err)
		assert.Empty(t, objects)
	})
}

func TestObjectStoreRetrieveDetectionStrategiesReferencingAnalytics(t *testing.T) {
	ctx := context.Background()
	store := NewObjectStore()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	strategy := &stix.Object{
		Stix: stix.Envelope{
			ID:           "x-mitre-detection-strategy--aaa",
			Type:         stix.TypeDetectionStrategy,
			Modified:     base,
			AnalyticRefs: []string{"x-mitre-analytic--one", "x-mitre-analytic--two"},
		},
	}
	unrelated := &stix.Object{
		Stix: stix.Envelope{
			ID:           "x-mitre-detection-strategy--bbb",
			Type:         stix.TypeDetectionStrategy,
			Modified:     base,
			AnalyticRefs: []string{"x-mitre-analytic--other"},
		},
	}
	require.NoError(t, store.Create(ctx, strategy))
	require.NoError(t, store.Create(ctx, unrelated))

	matched, err := store.RetrieveDetectionStrategiesReferencingAnalytics(ctx,
		[]string{"x-mitre-analytic--two"}, ports.VersionFilter{})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "x-mitre-detection-strategy--aaa", matched[0].Stix.ID)
}
