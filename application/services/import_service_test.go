package services

import (
	"context"
	"testing"
	"time"

	"threatgraph/application/ports"
	"threatgraph/domain/stix"
	"threatgraph/infrastructure/persistence/memory"
	apperrors "threatgraph/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type importFixture struct {
	service    *ImportService
	objects    *memory.ObjectStore
	references *memory.ReferenceStore
}

func newImportFixture() *importFixture {
	logger := zap.NewNop()
	objects := memory.NewObjectStore()
	references := memory.NewReferenceStore()
	service := NewImportService(
		objects,
		NewHandlerRegistry(objects, logger),
		NewReferenceService(references, logger),
		nil,
		logger,
	)
	return &importFixture{service: service, objects: objects, references: references}
}

var importBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testTechnique(suffix string, modified time.Time, version string) *stix.Envelope {
	return &stix.Envelope{
		ID:       "attack-pattern--" + suffix,
		Type:     stix.TypeTechnique,
		Created:  modified.Add(-24 * time.Hour),
		Modified: modified,
		Name:     "Technique " + suffix,
		Version:  version,
		Domains:  []string{"enterprise-attack"},
		ExternalReferences: []stix.ExternalReference{
			{SourceName: "mitre-attack", ExternalID: "T" + suffix, URL: "https://attack.example.com/techniques/T" + suffix},
		},
	}
}

func testCollection(suffix string, modified time.Time, members ...*stix.Envelope) *stix.Envelope {
	contents := make([]stix.ManifestEntry, 0, len(members))
	for _, m := range members {
		contents = append(contents, stix.ManifestEntry{
			ObjectRef:      m.ID,
			ObjectModified: m.VersionTimestamp(),
		})
	}
	return &stix.Envelope{
		ID:       "x-mitre-collection--" + suffix,
		Type:     stix.TypeCollection,
		Created:  modified,
		Modified: modified,
		Name:     "Test Collection",
		Contents: contents,
	}
}

func TestImportBundleAdditions(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture()

	technique := testTechnique("0001", importBase, "1.0")
	malware := &stix.Envelope{
		ID:       "malware--0002",
		Type:     stix.TypeMalware,
		Created:  importBase,
		Modified: importBase,
		Name:     "TestRAT",
		Version:  "1.0",
	}
	collection := testCollection("c1", importBase, technique, malware)

	saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{technique, malware}, ImportOptions{})
	require.NoError(t, err)

	categories := saved.Workspace.ImportCategories
	require.NotNil(t, categories)
	assert.ElementsMatch(t, []string{technique.ID, malware.ID}, categories.Additions)
	assert.Empty(t, categories.Changes)
	assert.Empty(t, saved.Workspace.ImportErrors)
	assert.Equal(t, stix.WorkflowAwaitingReview, saved.Workspace.Workflow.State)

	stored, err := f.objects.RetrieveLatest(ctx, technique.ID)
	require.NoError(t, err)
	assert.Equal(t, "T0001", stored.Workspace.AttackID)
	require.Len(t, stored.Workspace.Collections, 1)
	assert.Equal(t, collection.ID, stored.Workspace.Collections[0].CollectionRef)

	storedCollection, err := f.objects.RetrieveLatest(ctx, collection.ID)
	require.NoError(t, err)
	assert.Equal(t, collection.ID, storedCollection.Stix.ID)
}

func TestImportBundleCategorization(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, f *importFixture) {
		t.Helper()
		technique := testTechnique("0001", importBase, "1.0")
		collection := testCollection("c1", importBase, technique)
		_, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{technique}, ImportOptions{})
		require.NoError(t, err)
	}

	runSecond := func(t *testing.T, f *importFixture, incoming *stix.Envelope) *stix.ImportCategories {
		t.Helper()
		collection := testCollection("c1", importBase.Add(time.Hour), incoming)
		saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{incoming}, ImportOptions{})
		require.NoError(t, err)
		return saved.Workspace.ImportCategories
	}

	t.Run("same timestamp is a duplicate even with sub-second jitter", func(t *testing.T) {
		f := newImportFixture()
		seed(t, f)

		incoming := testTechnique("0001", importBase.Add(500*time.Millisecond), "1.0")
		categories := runSecond(t, f, incoming)

		assert.Equal(t, []string{incoming.ID}, categories.Duplicates)

		// The jittered duplicate must not create a second version.
		versions, err := f.objects.RetrieveAllVersions(ctx, incoming.ID)
		require.NoError(t, err)
		assert.Len(t, versions, 1)
	})

	t.Run("version bump with newer timestamp is a change", func(t *testing.T) {
		f := newImportFixture()
		seed(t, f)

		incoming := testTechnique("0001", importBase.Add(time.Hour), "2.0")
		categories := runSecond(t, f, incoming)

		assert.Equal(t, []string{incoming.ID}, categories.Changes)
	})

	t.Run("same version with newer timestamp is a minor change", func(t *testing.T) {
		f := newImportFixture()
		seed(t, f)

		incoming := testTechnique("0001", importBase.Add(time.Hour), "1.0")
		categories := runSecond(t, f, incoming)

		assert.Equal(t, []string{incoming.ID}, categories.MinorChanges)
	})

	t.Run("version regression with newer timestamp is out of date", func(t *testing.T) {
		f := newImportFixture()
		seed(t, f)
		bumped := testTechnique("0001", importBase.Add(time.Hour), "3.0")
		runSecond(t, f, bumped)

		incoming := testTechnique("0001", importBase.Add(2*time.Hour), "2.0")
		categories := runSecond(t, f, incoming)

		assert.Equal(t, []string{incoming.ID}, categories.OutOfDate)
	})

	t.Run("older timestamp is out of date", func(t *testing.T) {
		f := newImportFixture()
		seed(t, f)

		incoming := testTechnique("0001", importBase.Add(-time.Hour), "2.0")
		categories := runSecond(t, f, incoming)

		assert.Equal(t, []string{incoming.ID}, categories.OutOfDate)
	})

	t.Run("revocation transition wins over version comparison", func(t *testing.T) {
		f := newImportFixture()
		seed(t, f)

		incoming := testTechnique("0001", importBase.Add(time.Hour), "1.0")
		incoming.Revoked = true
		categories := runSecond(t, f, incoming)

		assert.Equal(t, []string{incoming.ID}, categories.Revocations)
	})

	t.Run("deprecation transition", func(t *testing.T) {
		f := newImportFixture()
		seed(t, f)

		incoming := testTechnique("0001", importBase.Add(time.Hour), "1.0")
		incoming.Deprecated = true
		categories := runSecond(t, f, incoming)

		assert.Equal(t, []string{incoming.ID}, categories.Deprecations)
	})
}

func TestImportBundleManifestReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture()

	declared := testTechnique("0001", importBase, "1.0")
	undeclared := testTechnique("0002", importBase, "1.0")
	missing := testTechnique("0003", importBase, "1.0")

	// Manifest declares 0001 and 0003; the bundle delivers 0001 and 0002.
	collection := testCollection("c1", importBase, declared, missing)

	saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{declared, undeclared}, ImportOptions{})
	require.NoError(t, err)

	errorsByType := make(map[stix.ImportErrorType][]string)
	for _, importError := range saved.Workspace.ImportErrors {
		errorsByType[importError.ErrorType] = append(errorsByType[importError.ErrorType], importError.ObjectRef)
	}
	assert.Equal(t, []string{undeclared.ID}, errorsByType[stix.ImportErrorNotInContents])
	assert.Equal(t, []string{missing.ID}, errorsByType[stix.ImportErrorMissingObject])

	// Undeclared objects are still processed and persisted.
	_, err = f.objects.RetrieveLatest(ctx, undeclared.ID)
	require.NoError(t, err)
}

func TestImportBundleUnknownType(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture()

	unknown := &stix.Envelope{
		ID:       "x-mystery--0001",
		Type:     "x-mystery",
		Created:  importBase,
		Modified: importBase,
	}
	collection := testCollection("c1", importBase, unknown)

	saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{unknown}, ImportOptions{})
	require.NoError(t, err)

	require.Len(t, saved.Workspace.ImportErrors, 1)
	assert.Equal(t, stix.ImportErrorUnknownObjectType, saved.Workspace.ImportErrors[0].ErrorType)

	versions, err := f.objects.RetrieveAllVersions(ctx, unknown.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestImportBundleRejectsNonCollection(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture()

	technique := testTechnique("0001", importBase, "1.0")

	_, err := f.service.ImportBundle(ctx, technique, nil, ImportOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadBundle(err))

	_, err = f.service.ImportBundle(ctx, nil, nil, ImportOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsBadBundle(err))
}

func TestImportBundleDuplicateCollection(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture()

	technique := testTechnique("0001", importBase, "1.0")
	collection := testCollection("c1", importBase, technique)

	_, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{technique}, ImportOptions{})
	require.NoError(t, err)

	t.Run("same collection version aborts", func(t *testing.T) {
		_, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{technique}, ImportOptions{})
		require.Error(t, err)
		assert.True(t, apperrors.IsDuplicateCollection(err))
	})

	t.Run("force records a reimport instead", func(t *testing.T) {
		saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{technique}, ImportOptions{
			Force: []ForceFlag{ForceDuplicateCollection},
		})
		require.NoError(t, err)
		assert.Len(t, saved.Workspace.Reimports, 1)

		// No second collection version was created.
		versions, err := f.objects.RetrieveAllVersions(ctx, collection.ID)
		require.NoError(t, err)
		assert.Len(t, versions, 1)
	})

	t.Run("force tolerates sub-second jitter", func(t *testing.T) {
		// The duplicate match is at second granularity, so the reimport
		// record must land on the stored version even when the incoming
		// timestamp drifted within the same second.
		jittered := testCollection("c1", importBase.Add(500*time.Millisecond), technique)

		saved, err := f.service.ImportBundle(ctx, jittered, []*stix.Envelope{technique}, ImportOptions{
			Force: []ForceFlag{ForceDuplicateCollection},
		})
		require.NoError(t, err)
		assert.Len(t, saved.Workspace.Reimports, 2)
		assert.Equal(t, importBase, saved.Stix.Modified)

		versions, err := f.objects.RetrieveAllVersions(ctx, collection.ID)
		require.NoError(t, err)
		assert.Len(t, versions, 1)
	})
}

func TestImportBundlePreview(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture()

	technique := testTechnique("0001", importBase, "1.0")
	technique.ExternalReferences = append(technique.ExternalReferences, stix.ExternalReference{
		SourceName:  "Example Report 2024",
		Description: "Example, A. Report. 2024.",
		URL:         "https://example.com/report",
	})
	collection := testCollection("c1", importBase, technique)

	saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{technique}, ImportOptions{Preview: true})
	require.NoError(t, err)

	assert.Equal(t, []string{technique.ID}, saved.Workspace.ImportCategories.Additions)
	assert.Equal(t, []string{"Example Report 2024"}, saved.Workspace.ImportReferences.Additions)

	// Nothing was persisted.
	versions, err := f.objects.RetrieveAllVersions(ctx, technique.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)

	collectionVersions, err := f.objects.RetrieveAllVersions(ctx, collection.ID)
	require.NoError(t, err)
	assert.Empty(t, collectionVersions)

	records, err := f.references.RetrieveAll(ctx, ports.ReferenceFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestImportBundleSpecVersionViolation(t *testing.T) {
	ctx := context.Background()

	newBundle := func() (*stix.Envelope, *stix.Envelope) {
		technique := testTechnique("0001", importBase, "1.0")
		technique.AttackSpecVersion = "99.0.0"
		return testCollection("c1", importBase, technique), technique
	}

	t.Run("aborts without the force flag", func(t *testing.T) {
		f := newImportFixture()
		collection, technique := newBundle()

		_, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{technique}, ImportOptions{})
		require.Error(t, err)
		assert.True(t, apperrors.IsSpecVersion(err))
	})

	t.Run("force records the violation and skips the object", func(t *testing.T) {
		f := newImportFixture()
		collection, technique := newBundle()

		saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{technique}, ImportOptions{
			Force: []ForceFlag{ForceSpecVersionViolations},
		})
		require.NoError(t, err)

		require.Len(t, saved.Workspace.ImportErrors, 1)
		assert.Equal(t, stix.ImportErrorSpecVersion, saved.Workspace.ImportErrors[0].ErrorType)

		versions, err := f.objects.RetrieveAllVersions(ctx, technique.ID)
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("marking definitions are exempt", func(t *testing.T) {
		f := newImportFixture()
		marking := &stix.Envelope{
			ID:                "marking-definition--0001",
			Type:              stix.TypeMarkingDefinition,
			Created:           importBase,
			AttackSpecVersion: "99.0.0",
			DefinitionType:    "statement",
			Definition:        &stix.MarkingStatement{Statement: "Copyright example"},
		}
		collection := testCollection("c1", importBase, marking)

		saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{marking}, ImportOptions{})
		require.NoError(t, err)
		assert.Empty(t, saved.Workspace.ImportErrors)
	})
}

func TestImportBundleDependencyOrder(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture()

	analytic := &stix.Envelope{
		ID:       "x-mitre-analytic--0001",
		Type:     stix.TypeAnalytic,
		Created:  importBase,
		Modified: importBase,
		Name:     "Suspicious Process Creation",
		ExternalReferences: []stix.ExternalReference{
			{SourceName: "mitre-attack", ExternalID: "AN0001", URL: "https://attack.example.com/analytics/AN0001"},
		},
	}
	strategy := &stix.Envelope{
		ID:           "x-mitre-detection-strategy--0001",
		Type:         stix.TypeDetectionStrategy,
		Created:      importBase,
		Modified:     importBase,
		Name:         "Process Monitoring Strategy",
		AnalyticRefs: []string{analytic.ID},
		ExternalReferences: []stix.ExternalReference{
			{SourceName: "mitre-attack", ExternalID: "DET0001", URL: "https://attack.example.com/detection-strategies/DET0001"},
		},
	}
	collection := testCollection("c1", importBase, strategy, analytic)

	// Strategy first in the bundle; the engine must still persist the
	// analytic before the strategy's create hook runs.
	saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{strategy, analytic}, ImportOptions{})
	require.NoError(t, err)
	assert.Empty(t, saved.Workspace.ImportErrors)

	stored, err := f.objects.RetrieveLatest(ctx, strategy.ID)
	require.NoError(t, err)
	require.Len(t, stored.Workspace.EmbeddedRelationships, 1)
	rel := stored.Workspace.EmbeddedRelationships[0]
	assert.Equal(t, stix.DirectionOutbound, rel.Direction)
	assert.Equal(t, analytic.ID, rel.TargetRef)
	assert.Equal(t, "AN0001", rel.AttackID)
}

func TestImportBundleReferenceReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture()

	technique := testTechnique("0001", importBase, "1.0")
	technique.ExternalReferences = append(technique.ExternalReferences, stix.ExternalReference{
		SourceName:  "Example Report 2024",
		Description: "Example, A. Report. 2024.",
		URL:         "https://example.com/report",
	})
	collection := testCollection("c1", importBase, technique)

	saved, err := f.service.ImportBundle(ctx, collection, []*stix.Envelope{technique}, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Example Report 2024"}, saved.Workspace.ImportReferences.Additions)

	records, err := f.references.RetrieveAll(ctx, ports.ReferenceFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Example Report 2024", records[0].SourceName)

	// A later import with changed content updates the record.
	updated := testTechnique("0001", importBase.Add(time.Hour), "1.0")
	updated.ExternalReferences = append(updated.ExternalReferences, stix.ExternalReference{
		SourceName:  "Example Report 2024",
		Description: "Example, A. Report, revised. 2024.",
		URL:         "https://example.com/report",
	})
	secondCollection := testCollection("c1", importBase.Add(time.Hour), updated)

	saved, err = f.service.ImportBundle(ctx, secondCollection, []*stix.Envelope{updated}, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Example Report 2024"}, saved.Workspace.ImportReferences.Changes)

	records, err = f.references.RetrieveAll(ctx, ports.ReferenceFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Example, A. Report, revised. 2024.", records[0].Description)
}

func TestImportBundleProgressReporting(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture()

	members := make([]*stix.Envelope, 0, 25)
	for i := 0; i < 25; i++ {
		suffix := string(rune('a'+i/5)) + string(rune('a'+i%5))
		members = append(members, testTechnique(suffix, importBase, "1.0"))
	}
	collection := testCollection("c1", importBase, members...)

	var events []ProgressEvent
	_, err := f.service.ImportBundle(ctx, collection, members, ImportOptions{
		Progress: func(e ProgressEvent) { events = append(events, e) },
	})
	require.NoError(t, err)

	require.NotEmpty(t, events)

	// Percentages never regress, and the run ends at 100.
	last := -1
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Percentage, last)
		last = e.Percentage
	}
	final := events[len(events)-1]
	assert.Equal(t, "saving collection", final.Phase)
	assert.Equal(t, 100, final.Percentage)

	// The object phase reported its final object.
	var objectFinal bool
	for _, e := range events {
		if e.Phase == "processing objects" && e.Processed == 25 {
			objectFinal = true
		}
	}
	assert.True(t, objectFinal)
}
