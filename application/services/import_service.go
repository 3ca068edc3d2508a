package services

import (
	"context"
	"time"

	"threatgraph/application/ports"
	"threatgraph/domain/stix"
	apperrors "threatgraph/pkg/errors"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

// ForceFlag downgrades one structural import failure from abort to
// warning.
type ForceFlag string

const (
	// ForceDuplicateCollection lets an already-imported collection
	// version be processed again; the outcome is a reimport record on
	// the stored collection instead of a new version.
	ForceDuplicateCollection ForceFlag = "duplicate-collection"

	// ForceSpecVersionViolations records spec-version violations as
	// per-object errors instead of aborting the import.
	ForceSpecVersionViolations ForceFlag = "attack-spec-version-violations"
)

// ImportOptions carries the caller-facing switches for one import.
type ImportOptions struct {
	// Preview validates and categorizes without persisting anything.
	Preview bool

	// Progress, when set, receives throttled progress events.
	Progress ProgressFunc

	// Force lists the structural failures to downgrade.
	Force []ForceFlag
}

func (o ImportOptions) forced(flag ForceFlag) bool {
	for _, f := range o.Force {
		if f == flag {
			return true
		}
	}
	return false
}

// ImportService ingests collection bundles into the versioned store.
type ImportService struct {
	objects    ports.ObjectRepository
	handlers   *HandlerRegistry
	references *ReferenceService
	publisher  ports.EventPublisher
	logger     *zap.Logger
}

// NewImportService creates a new import service
func NewImportService(
	objects ports.ObjectRepository,
	handlers *HandlerRegistry,
	references *ReferenceService,
	publisher ports.EventPublisher,
	logger *zap.Logger,
) *ImportService {
	return &ImportService{
		objects:    objects,
		handlers:   handlers,
		references: references,
		publisher:  publisher,
		logger:     logger,
	}
}

// importRun is the working state of one import operation. All maps are
// operation-scoped; nothing survives the call.
type importRun struct {
	collection *stix.Envelope
	lookup     stix.ContentsLookup
	categories *stix.ImportCategories
	errors     []stix.ImportError
	references *stix.ImportReferences
	collector  *referenceCollector
	saved      int

	// reimportTarget is the stored collection version matched by the
	// duplicate check; set only on a forced reimport. Its timestamp may
	// differ from the incoming one by sub-second jitter, so the reimport
	// write goes to this exact version, not the incoming timestamp.
	reimportTarget *stix.Object
}

func (run *importRun) reimport() bool {
	return run.reimportTarget != nil
}

func (run *importRun) recordError(objectRef string, modified time.Time, errorType stix.ImportErrorType, message string) {
	run.errors = append(run.errors, stix.ImportError{
		ObjectRef:      objectRef,
		ObjectModified: modified,
		ErrorType:      errorType,
		ErrorMessage:   message,
	})
}

// ImportBundle walks a bundle in dependency order, categorizes every
// object against existing history, persists accepted objects, reconciles
// collected references, and saves the collection manifest with the full
// report. Malformed individual objects become report entries; only
// structural problems abort.
func (s *ImportService) ImportBundle(ctx context.Context, collection *stix.Envelope, bundleObjects []*stix.Envelope, opts ImportOptions) (*stix.Object, error) {
	if collection == nil || collection.Type != stix.TypeCollection {
		return nil, apperrors.NewBadBundleError("bundle does not contain a collection object")
	}

	run := &importRun{
		collection: collection,
		lookup:     stix.NewContentsLookup(collection.Contents),
		categories: stix.NewImportCategories(),
		references: stix.NewImportReferences(),
		collector:  newReferenceCollector(),
	}

	if err := s.checkDuplicateCollection(ctx, run, opts); err != nil {
		return nil, err
	}

	// Wrap the payloads and order them so create hooks can resolve the
	// objects they depend on. The collection envelope itself is handled
	// by this engine, not a type handler.
	incoming := make([]*stix.Object, 0, len(bundleObjects))
	for _, envelope := range bundleObjects {
		if envelope.Type == stix.TypeCollection {
			continue
		}
		incoming = append(incoming, &stix.Object{Stix: *envelope})
	}
	sorted := stix.SortForImport(incoming)

	reporter := newPhaseReporter(opts.Progress, phaseObjects, len(sorted))
	for i, obj := range sorted {
		if err := s.processObject(ctx, run, obj, opts); err != nil {
			return nil, err
		}
		reporter.report(i + 1)
	}

	for _, missing := range run.lookup.Remaining() {
		run.recordError(missing.ObjectRef, missing.ObjectModified, stix.ImportErrorMissingObject,
			"declared in manifest but not present in bundle")
	}

	refReporter := newPhaseReporter(opts.Progress, phaseReferences, len(run.collector.records))
	if err := s.reconcileReferences(ctx, run, refReporter, opts); err != nil {
		return nil, err
	}

	saveReporter := newPhaseReporter(opts.Progress, phaseSave, 1)
	saved, err := s.saveCollection(ctx, run, opts)
	if err != nil {
		return nil, err
	}
	saveReporter.report(1)

	s.publishImported(ctx, run, opts)

	s.logger.Info("Bundle imported",
		zap.String("collectionRef", collection.ID),
		zap.Int("objects", len(sorted)),
		zap.Int("saved", run.saved),
		zap.Int("errors", len(run.errors)),
		zap.Bool("preview", opts.Preview),
		zap.Bool("reimport", run.reimport()),
	)

	return saved, nil
}

// checkDuplicateCollection aborts when this exact collection version is
// already stored, unless the caller forced a reimport.
func (s *ImportService) checkDuplicateCollection(ctx context.Context, run *importRun, opts ImportOptions) error {
	versions, err := s.objects.RetrieveAllVersions(ctx, run.collection.ID)
	if err != nil {
		return apperrors.Wrap(err, "failed to check for existing collection")
	}

	incomingTS := stix.EpochSeconds(run.collection.VersionTimestamp())
	for _, v := range versions {
		if stix.EpochSeconds(v.Stix.VersionTimestamp()) == incomingTS {
			if !opts.forced(ForceDuplicateCollection) {
				return apperrors.NewDuplicateCollectionError(run.collection.ID)
			}
			run.reimportTarget = v
			run.recordError(run.collection.ID, run.collection.Modified, stix.ImportErrorDuplicateCollection,
				"collection version already imported; recording reimport")
			return nil
		}
	}
	return nil
}

// processObject runs steps 4a-4g for one incoming object. Per-object
// failures are recorded and swallowed; only a spec-version violation
// without its force flag, or a duplicate-id conflict on save, propagate.
func (s *ImportService) processObject(ctx context.Context, run *importRun, obj *stix.Object, opts ImportOptions) error {
	envelope := &obj.Stix
	versionTS := envelope.VersionTimestamp()

	if _, declared := run.lookup.Take(envelope.ID, versionTS); !declared {
		run.recordError(envelope.ID, envelope.Modified, stix.ImportErrorNotInContents,
			"object not declared in collection manifest")
	}

	if envelope.Type != stix.TypeMarkingDefinition {
		violation, err := s.checkSpecVersion(run, envelope, opts)
		if err != nil {
			return err
		}
		if violation {
			return nil
		}
	}

	handler, ok := s.handlers.Lookup(envelope.Type)
	if !ok {
		run.recordError(envelope.ID, envelope.Modified, stix.ImportErrorUnknownObjectType,
			"no handler registered for type "+string(envelope.Type))
		return nil
	}

	existing, err := handler.RetrieveByID(ctx, envelope.ID)
	if err != nil {
		run.recordError(envelope.ID, envelope.Modified, stix.ImportErrorRetrieval, err.Error())
		return nil
	}

	category := categorize(envelope, existing)
	s.recordCategory(run, envelope.ID, category)
	run.collector.collect(envelope)

	if opts.Preview || category == categoryDuplicate {
		return nil
	}

	obj.Workspace.AttackID = envelope.AttackID()
	obj.Workspace.Collections = []stix.CollectionMembership{{
		CollectionRef:      run.collection.ID,
		CollectionModified: run.collection.Modified,
	}}

	if err := handler.Create(ctx, obj); err != nil {
		if apperrors.IsDuplicateID(err) {
			return err
		}
		run.recordError(envelope.ID, envelope.Modified, stix.ImportErrorSave, err.Error())
		return nil
	}
	run.saved++
	return nil
}

// checkSpecVersion enforces the supported attack spec version. A
// violation aborts the import unless the caller forced the downgrade, in
// which case it becomes a per-object error and the object is skipped.
func (s *ImportService) checkSpecVersion(run *importRun, envelope *stix.Envelope, opts ImportOptions) (violation bool, err error) {
	if envelope.AttackSpecVersion == "" {
		return false, nil
	}
	declared, parseErr := semver.NewVersion(envelope.AttackSpecVersion)
	if parseErr != nil {
		// Unparseable versions are left to per-type validation.
		return false, nil
	}
	supported := semver.MustParse(stix.CurrentAttackSpecVersion)
	if !declared.GreaterThan(supported) {
		return false, nil
	}
	if !opts.forced(ForceSpecVersionViolations) {
		return true, apperrors.NewSpecVersionError(envelope.ID, envelope.AttackSpecVersion, stix.CurrentAttackSpecVersion)
	}
	run.recordError(envelope.ID, envelope.Modified, stix.ImportErrorSpecVersion,
		"declares attack spec version "+envelope.AttackSpecVersion+", newer than supported "+stix.CurrentAttackSpecVersion)
	return true, nil
}

// Category labels for the mutually exclusive import buckets.
type importCategory int

const (
	categoryAddition importCategory = iota
	categoryChange
	categoryMinorChange
	categoryRevocation
	categoryDeprecation
	categoryDuplicate
	categoryOutOfDate
)

// categorize decides an incoming object's relationship to its stored
// history. Timestamps compare at second granularity; the x_mitre_version
// field breaks the tie between change and minor change.
func categorize(incoming *stix.Envelope, existing []*stix.Object) importCategory {
	if len(existing) == 0 {
		return categoryAddition
	}

	incomingTS := stix.EpochSeconds(incoming.VersionTimestamp())
	for _, v := range existing {
		if stix.EpochSeconds(v.Stix.VersionTimestamp()) == incomingTS {
			return categoryDuplicate
		}
	}

	latest := stix.LatestVersion(existing)
	switch {
	case incoming.Revoked && !latest.Stix.Revoked:
		return categoryRevocation
	case incoming.Deprecated && !latest.Stix.Deprecated:
		return categoryDeprecation
	case incomingTS > stix.EpochSeconds(latest.Stix.VersionTimestamp()):
		return compareVersionFields(incoming.Version, latest.Stix.Version)
	default:
		return categoryOutOfDate
	}
}

// compareVersionFields maps the x_mitre_version comparison to a category.
// A version that went backwards despite a newer timestamp is stale data.
func compareVersionFields(incomingVersion, latestVersion string) importCategory {
	incoming, errIncoming := semver.NewVersion(coerceVersion(incomingVersion))
	latest, errLatest := semver.NewVersion(coerceVersion(latestVersion))
	if errIncoming != nil || errLatest != nil {
		return categoryMinorChange
	}
	switch {
	case incoming.GreaterThan(latest):
		return categoryChange
	case incoming.Equal(latest):
		return categoryMinorChange
	default:
		return categoryOutOfDate
	}
}

// coerceVersion pads the two-segment x_mitre_version form ("1.0") into a
// parseable semver.
func coerceVersion(version string) string {
	if version == "" {
		return "0.0.0"
	}
	return version
}

func (s *ImportService) recordCategory(run *importRun, objectRef string, category importCategory) {
	categories := run.categories
	switch category {
	case categoryAddition:
		categories.Additions = append(categories.Additions, objectRef)
	case categoryChange:
		categories.Changes = append(categories.Changes, objectRef)
	case categoryMinorChange:
		categories.MinorChanges = append(categories.MinorChanges, objectRef)
	case categoryRevocation:
		categories.Revocations = append(categories.Revocations, objectRef)
	case categoryDeprecation:
		categories.Deprecations = append(categories.Deprecations, objectRef)
	case categoryDuplicate:
		categories.Duplicates = append(categories.Duplicates, objectRef)
	case categoryOutOfDate:
		categories.OutOfDate = append(categories.OutOfDate, objectRef)
	}
}

func (s *ImportService) reconcileReferences(ctx context.Context, run *importRun, reporter *phaseReporter, opts ImportOptions) error {
	if opts.Preview {
		// Preview computes the report without writing.
		return s.references.Preview(ctx, run.collector, run.references)
	}
	return s.references.Reconcile(ctx, run.collector, run.references, reporter)
}

// saveCollection persists the collection manifest with the import report,
// or appends a reimport record when this version already exists.
func (s *ImportService) saveCollection(ctx context.Context, run *importRun, opts ImportOptions) (*stix.Object, error) {
	collectionObject := &stix.Object{
		Stix: *run.collection,
		Workspace: stix.Workspace{
			Workflow:         stix.Workflow{State: stix.WorkflowAwaitingReview},
			ImportCategories: run.categories,
			ImportErrors:     run.errors,
			ImportReferences: run.references,
		},
	}

	if opts.Preview {
		return collectionObject, nil
	}

	if run.reimport() {
		stored := run.reimportTarget
		stored.Workspace.Reimports = append(stored.Workspace.Reimports, stix.ReimportRecord{ImportedAt: time.Now().UTC()})
		if err := s.objects.Update(ctx, stored); err != nil {
			return nil, apperrors.Wrap(err, "failed to record reimport")
		}
		return stored, nil
	}

	if err := s.objects.Create(ctx, collectionObject); err != nil {
		return nil, apperrors.Wrap(err, "failed to save collection")
	}
	return collectionObject, nil
}

// publishImported emits the post-import event. Failures are logged only:
// the import already succeeded.
func (s *ImportService) publishImported(ctx context.Context, run *importRun, opts ImportOptions) {
	if opts.Preview || s.publisher == nil {
		return
	}
	event := ports.CollectionImportedEvent{
		CollectionRef:      run.collection.ID,
		CollectionModified: run.collection.Modified,
		ObjectCount:        run.saved,
		ErrorCount:         len(run.errors),
		ImportedAt:         time.Now().UTC(),
	}
	if err := s.publisher.PublishCollectionImported(ctx, event); err != nil {
		s.logger.Warn("Failed to publish import event",
			zap.String("collectionRef", run.collection.ID),
			zap.Error(err),
		)
	}
}
