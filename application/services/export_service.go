package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"threatgraph/application/ports"
	"threatgraph/domain/stix"

	"go.uber.org/zap"
)

// ExportOptions selects the subset of the graph to assemble into a bundle.
type ExportOptions struct {
	// Domain is the requested domain tag, e.g. "enterprise-attack".
	Domain string `validate:"required"`

	// SpecVersion is the interchange-format version to emit, "2.0" or
	// "2.1".
	SpecVersion string `validate:"omitempty,oneof=2.0 2.1"`

	// IncludeRevoked keeps revoked objects in the bundle.
	IncludeRevoked bool

	// IncludeDeprecated keeps deprecated objects in the bundle.
	IncludeDeprecated bool

	// IncludeMissingAttackID keeps objects that lack a canonical ATT&CK
	// ID even though their type requires one.
	IncludeMissingAttackID bool

	// IncludeDataSources adds the data-source table to the primary fetch.
	IncludeDataSources bool

	// IncludeNotes appends notes that reference bundle members.
	IncludeNotes bool

	// IncludeCollectionObject prepends a synthesized collection summary.
	IncludeCollectionObject bool

	// CollectionVersion and CollectionModified seed the synthesized
	// summary when IncludeCollectionObject is set.
	CollectionVersion  string
	CollectionModified time.Time

	// State, when non-empty, keeps only objects in that workflow state.
	State string
}

// DeprecatedRelationshipPattern excludes a class of relationships from
// every export. A relationship matches when its type tag equals
// RelationshipType and its source ref starts with SourceTypePrefix.
type DeprecatedRelationshipPattern struct {
	Type             string `yaml:"type"`
	RelationshipType string `yaml:"relationship_type"`
	SourceTypePrefix string `yaml:"source_type_prefix"`
}

// DefaultDeprecatedRelationshipPatterns is the built-in exclusion list.
// Data components no longer detect techniques directly; that edge moved
// to detection strategies.
func DefaultDeprecatedRelationshipPatterns() []DeprecatedRelationshipPattern {
	return []DeprecatedRelationshipPattern{
		{
			Type:             string(stix.TypeRelationship),
			RelationshipType: stix.RelationshipDetects,
			SourceTypePrefix: string(stix.TypeDataComponent),
		},
	}
}

// ExportService assembles bundles for a requested domain.
type ExportService struct {
	objects  ports.ObjectRepository
	patterns []DeprecatedRelationshipPattern
	logger   *zap.Logger
}

// NewExportService creates a new export service
func NewExportService(objects ports.ObjectRepository, patterns []DeprecatedRelationshipPattern, logger *zap.Logger) *ExportService {
	if patterns == nil {
		patterns = DefaultDeprecatedRelationshipPatterns()
	}
	return &ExportService{
		objects:  objects,
		patterns: patterns,
		logger:   logger,
	}
}

// exportRun is the working state of one export. Every cache is scoped to
// the operation and discarded with it.
type exportRun struct {
	opts ExportOptions

	bundle *stix.Bundle

	// membership maps stable id -> the bundle payload for every object
	// accepted so far, relationships excluded.
	membership map[string]*stix.Envelope

	// relationships is the full relevant set fetched once in phase 2.
	relationships []*stix.Object

	// needsInference marks secondary intrusion-sets and campaigns whose
	// domain list must be recomputed from their primary neighbors.
	needsInference map[string]bool

	// primaries marks the ids fetched directly by domain tag.
	primaries map[string]bool

	// preOverrideDomains remembers an object's stored domain list from
	// before this export overrode it, so inference unions never compound
	// overrides.
	preOverrideDomains map[string][]string

	// objectCache backs citation expansion and supporting-object lookup.
	objectCache map[string]*stix.Envelope
}

// primaryTypeTables is the fixed set of per-type fetches issued together
// in phase 1.
var primaryTypeTables = [][]stix.ObjectType{
	{stix.TypeMitigation},
	{stix.TypeMalware, stix.TypeTool},
	{stix.TypeTactic},
	{stix.TypeTechnique},
	{stix.TypeMatrix},
	{stix.TypeAnalytic},
	{stix.TypeDataComponent},
}

// ExportBundle assembles a bundle for the requested domain: primary
// objects by domain tag, secondary objects by graph reachability,
// relationships between members, supporting identities and markings,
// citation expansion, and format conformance. Any per-object fetch error
// is treated as absence; only the primary fetch itself can fail the call.
func (s *ExportService) ExportBundle(ctx context.Context, opts ExportOptions) (*stix.Bundle, error) {
	if opts.SpecVersion == "" {
		opts.SpecVersion = stix.SpecVersion21
	}

	run := &exportRun{
		opts:               opts,
		bundle:             stix.NewBundle(opts.SpecVersion),
		membership:         make(map[string]*stix.Envelope),
		needsInference:     make(map[string]bool),
		primaries:          make(map[string]bool),
		preOverrideDomains: make(map[string][]string),
		objectCache:        make(map[string]*stix.Envelope),
	}

	if err := s.retrievePrimaries(ctx, run); err != nil {
		return nil, err
	}
	if len(run.membership) == 0 {
		return run.bundle, nil
	}

	if err := s.retrieveRelationships(ctx, run); err != nil {
		return nil, err
	}

	s.discoverSecondaries(ctx, run)
	s.addSpecialSecondaries(ctx, run)
	bundleRels := s.writeRelationships(run)
	s.inferDomains(run, bundleRels)
	s.addNotes(ctx, run)
	s.addSupportingObjects(ctx, run)
	s.expandCitations(ctx, run)

	for _, e := range run.bundle.Objects {
		stix.ConformToSpecVersion(e, opts.SpecVersion)
	}

	if opts.IncludeCollectionObject {
		run.bundle.Prepend(s.buildCollectionSummary(run))
	}

	s.logger.Info("Bundle exported",
		zap.String("domain", opts.Domain),
		zap.String("specVersion", opts.SpecVersion),
		zap.Int("objects", len(run.bundle.Objects)),
	)

	return run.bundle, nil
}

// retrievePrimaries issues the fixed per-type fetches together and admits
// the survivors as primary members.
func (s *ExportService) retrievePrimaries(ctx context.Context, run *exportRun) error {
	tables := primaryTypeTables
	if run.opts.IncludeDataSources {
		tables = append(tables, []stix.ObjectType{stix.TypeDataSource})
	}

	results := make([][]*stix.Object, len(tables))
	errs := make([]error, len(tables))

	var wg sync.WaitGroup
	for i, types := range tables {
		wg.Add(1)
		go func(slot int, types []stix.ObjectType) {
			defer wg.Done()
			results[slot], errs[slot] = s.objects.RetrieveAllByDomain(ctx, ports.DomainQuery{
				Domain: run.opts.Domain,
				Types:  types,
				VersionFilter: ports.VersionFilter{
					IncludeRevoked:    run.opts.IncludeRevoked,
					IncludeDeprecated: run.opts.IncludeDeprecated,
					State:             run.opts.State,
				},
			})
		}(i, types)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	for _, objects := range results {
		for _, obj := range objects {
			envelope := &obj.Stix
			run.objectCache[envelope.ID] = envelope
			// Analytics are publishable only once a parent detection
			// strategy has linked them and resolved their ID reference.
			if envelope.Type == stix.TypeAnalytic && envelope.AttackIDURL() == "" {
				continue
			}
			if stix.RequiresAttackID(envelope.Type) && envelope.AttackID() == "" && !run.opts.IncludeMissingAttackID {
				continue
			}
			run.membership[envelope.ID] = envelope
			run.primaries[envelope.ID] = true
			run.bundle.Add(envelope)
		}
	}
	return nil
}

// retrieveRelationships fetches the full relevant relationship set once;
// later phases filter it rather than re-querying the graph.
func (s *ExportService) retrieveRelationships(ctx context.Context, run *exportRun) error {
	relationships, err := s.objects.RetrieveAllRelationships(ctx, ports.VersionFilter{
		IncludeRevoked:    true,
		IncludeDeprecated: true,
	})
	if err != nil {
		return err
	}
	run.relationships = relationships
	return nil
}

// fetchLatest resolves a stable id, treating every failure as absence.
func (s *ExportService) fetchLatest(ctx context.Context, run *exportRun, stableID string) *stix.Object {
	obj, err := s.objects.RetrieveLatest(ctx, stableID)
	if err != nil {
		s.logger.Warn("Object lookup failed during export",
			zap.String("stableID", stableID),
			zap.Error(err),
		)
		return nil
	}
	run.objectCache[obj.Stix.ID] = &obj.Stix
	return obj
}

// domainDeclared reports whether a type's stored domain list is
// authoritative. Intrusion-set and campaign domains are inferred from the
// graph; identities, markings, relationships and notes carry none.
func domainDeclared(t stix.ObjectType) bool {
	switch t {
	case stix.TypeGroup, stix.TypeCampaign, stix.TypeIdentity,
		stix.TypeMarkingDefinition, stix.TypeRelationship, stix.TypeNote:
		return false
	}
	return true
}

// canInclude applies the shared inclusion criteria for secondary objects.
func (s *ExportService) canInclude(obj *stix.Object, opts ExportOptions, requireDomain bool) bool {
	envelope := &obj.Stix
	if stix.RequiresAttackID(envelope.Type) && envelope.AttackID() == "" && !opts.IncludeMissingAttackID {
		return false
	}
	if envelope.Revoked && !opts.IncludeRevoked {
		return false
	}
	if envelope.Deprecated && !opts.IncludeDeprecated {
		return false
	}
	if opts.State != "" && obj.Workspace.Workflow.State != opts.State {
		return false
	}
	if requireDomain && domainDeclared(envelope.Type) && !envelope.HasDomain(opts.Domain) {
		return false
	}
	return true
}

// admit adds a validated secondary object to the bundle and membership.
func (run *exportRun) admit(envelope *stix.Envelope) {
	run.membership[envelope.ID] = envelope
	run.bundle.Add(envelope)
}

// discoverSecondaries walks every relationship touching a primary object
// and pulls in the far endpoint. Detects edges are handled separately:
// only detection strategies may detect, and those arrive in the special
// pass.
func (s *ExportService) discoverSecondaries(ctx context.Context, run *exportRun) {
	for _, rel := range run.relationships {
		if rel.Stix.RelationshipType == stix.RelationshipDetects {
			continue
		}
		sourceIn := run.membership[rel.Stix.SourceRef] != nil
		targetIn := run.membership[rel.Stix.TargetRef] != nil
		if sourceIn == targetIn {
			continue
		}

		missingRef := rel.Stix.SourceRef
		if sourceIn {
			missingRef = rel.Stix.TargetRef
		}
		if run.membership[missingRef] != nil {
			continue
		}

		obj := s.fetchLatest(ctx, run, missingRef)
		if obj == nil || !s.canInclude(obj, run.opts, true) {
			continue
		}

		envelope := &obj.Stix
		if envelope.Type == stix.TypeGroup || envelope.Type == stix.TypeCampaign {
			// Stored domain lists on these types are not authoritative;
			// recompute them from the primary neighborhood later.
			run.needsInference[envelope.ID] = true
			run.preOverrideDomains[envelope.ID] = envelope.Domains
		}
		run.admit(envelope)
	}
}

// forceDomain replaces an object's domain list with the single requested
// domain, remembering the stored value for inference.
func (run *exportRun) forceDomain(envelope *stix.Envelope) {
	if _, recorded := run.preOverrideDomains[envelope.ID]; !recorded {
		run.preOverrideDomains[envelope.ID] = envelope.Domains
	}
	envelope.Domains = []string{run.opts.Domain}
	delete(run.needsInference, envelope.ID)
}

// addSpecialSecondaries admits the object classes reachable only through
// specific edge types: groups behind campaign attributions, detection
// strategies behind detects edges and analytic references, and revocation
// targets.
func (s *ExportService) addSpecialSecondaries(ctx context.Context, run *exportRun) {
	var analyticIDs []string
	for id, envelope := range run.membership {
		if envelope.Type == stix.TypeAnalytic {
			analyticIDs = append(analyticIDs, id)
		}
	}
	sort.Strings(analyticIDs)

	for _, rel := range run.relationships {
		relType := rel.Stix.RelationshipType
		source := rel.Stix.SourceRef
		target := rel.Stix.TargetRef

		switch relType {
		case stix.RelationshipAttributedTo:
			// campaign --attributed-to--> group
			if campaign := run.membership[source]; campaign != nil && campaign.Type == stix.TypeCampaign {
				s.admitForced(ctx, run, target)
			}
		case stix.RelationshipDetects:
			// detection-strategy --detects--> technique
			if technique := run.membership[target]; technique != nil && technique.Type == stix.TypeTechnique {
				if strings.HasPrefix(source, string(stix.TypeDetectionStrategy)) {
					s.admitForced(ctx, run, source)
				}
			}
		case stix.RelationshipRevokedBy:
			if run.membership[source] != nil {
				s.admitRevocationTarget(ctx, run, target)
			}
		}
	}

	strategies, err := s.objects.RetrieveDetectionStrategiesReferencingAnalytics(ctx, analyticIDs, ports.VersionFilter{
		IncludeRevoked:    run.opts.IncludeRevoked,
		IncludeDeprecated: run.opts.IncludeDeprecated,
	})
	if err != nil {
		s.logger.Warn("Detection strategy batch lookup failed during export", zap.Error(err))
		return
	}
	for _, strategy := range strategies {
		if run.membership[strategy.Stix.ID] != nil {
			continue
		}
		if !s.canInclude(strategy, run.opts, false) {
			continue
		}
		envelope := &strategy.Stix
		run.objectCache[envelope.ID] = envelope
		run.forceDomain(envelope)
		run.admit(envelope)
	}
}

// admitForced fetches, validates, and admits a secondary object with its
// domain replaced by the requested one.
func (s *ExportService) admitForced(ctx context.Context, run *exportRun, stableID string) {
	if run.membership[stableID] != nil {
		return
	}
	obj := s.fetchLatest(ctx, run, stableID)
	if obj == nil || !s.canInclude(obj, run.opts, false) {
		return
	}
	envelope := &obj.Stix
	run.forceDomain(envelope)
	run.admit(envelope)
}

// admitRevocationTarget admits the object a member was revoked by. Domain
// replacement applies only to the types whose domains are inferred.
func (s *ExportService) admitRevocationTarget(ctx context.Context, run *exportRun, stableID string) {
	if run.membership[stableID] != nil {
		return
	}
	obj := s.fetchLatest(ctx, run, stableID)
	if obj == nil || !s.canInclude(obj, run.opts, false) {
		return
	}
	envelope := &obj.Stix
	if envelope.Type == stix.TypeGroup || envelope.Type == stix.TypeCampaign {
		run.forceDomain(envelope)
	}
	run.admit(envelope)
}

// writeRelationships adds every relationship whose endpoints both ended
// up in the bundle, skipping inactive edges and the deprecated-pattern
// exclusion list. Returns the written set for domain inference.
func (s *ExportService) writeRelationships(run *exportRun) []*stix.Envelope {
	var written []*stix.Envelope
	for _, rel := range run.relationships {
		envelope := &rel.Stix
		if run.membership[envelope.SourceRef] == nil || run.membership[envelope.TargetRef] == nil {
			continue
		}
		if !envelope.IsActive() {
			continue
		}
		if s.matchesDeprecatedPattern(envelope) {
			continue
		}
		run.objectCache[envelope.ID] = envelope
		run.bundle.Add(envelope)
		written = append(written, envelope)
	}
	return written
}

func (s *ExportService) matchesDeprecatedPattern(rel *stix.Envelope) bool {
	for _, pattern := range s.patterns {
		if pattern.Type == string(rel.Type) &&
			pattern.RelationshipType == rel.RelationshipType &&
			strings.HasPrefix(rel.SourceRef, pattern.SourceTypePrefix) {
			return true
		}
	}
	return false
}

// inferDomains recomputes the domain list of secondary intrusion-sets and
// campaigns as the union of the domains of the primary objects they point
// at through bundle relationships. Overridden neighbors contribute their
// pre-override domains so overrides never compound across a chain.
func (s *ExportService) inferDomains(run *exportRun, bundleRels []*stix.Envelope) {
	for id := range run.needsInference {
		envelope := run.membership[id]
		domains := make(map[string]bool)
		for _, rel := range bundleRels {
			if rel.SourceRef != id {
				continue
			}
			if !run.primaries[rel.TargetRef] {
				continue
			}
			neighborDomains := run.membership[rel.TargetRef].Domains
			if pre, overridden := run.preOverrideDomains[rel.TargetRef]; overridden {
				neighborDomains = pre
			}
			for _, d := range neighborDomains {
				domains[d] = true
			}
		}

		inferred := make([]string, 0, len(domains))
		for d := range domains {
			inferred = append(inferred, d)
		}
		sort.Strings(inferred)
		envelope.Domains = inferred
	}
}

// addNotes appends notes that reference any bundle member.
func (s *ExportService) addNotes(ctx context.Context, run *exportRun) {
	if !run.opts.IncludeNotes {
		return
	}
	notes, err := s.objects.RetrieveAllByType(ctx, stix.TypeNote, ports.VersionFilter{
		IncludeRevoked:    run.opts.IncludeRevoked,
		IncludeDeprecated: run.opts.IncludeDeprecated,
	})
	if err != nil {
		s.logger.Warn("Note lookup failed during export", zap.Error(err))
		return
	}
	for _, note := range notes {
		if run.membership[note.Stix.ID] != nil {
			continue
		}
		for _, ref := range note.Stix.ObjectRefs {
			if run.membership[ref] != nil {
				envelope := &note.Stix
				run.objectCache[envelope.ID] = envelope
				run.admit(envelope)
				break
			}
		}
	}
}

// addSupportingObjects resolves every distinct identity and marking
// definition referenced by bundle members and appends them. A missing
// identity is logged, not fatal.
func (s *ExportService) addSupportingObjects(ctx context.Context, run *exportRun) {
	wanted := make(map[string]bool)
	for _, envelope := range run.bundle.Objects {
		if envelope.CreatedByRef != "" {
			wanted[envelope.CreatedByRef] = true
		}
		for _, markingRef := range envelope.ObjectMarkingRefs {
			wanted[markingRef] = true
		}
	}

	refs := make([]string, 0, len(wanted))
	for ref := range wanted {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		if run.membership[ref] != nil {
			continue
		}
		resolved := run.objectCache[ref]
		if resolved == nil {
			obj := s.fetchLatest(ctx, run, ref)
			if obj == nil {
				s.logger.Warn("Referenced identity or marking not found",
					zap.String("stableID", ref),
				)
				continue
			}
			resolved = &obj.Stix
		}
		run.admit(resolved)
	}
}

// expandCitations rewrites embedded link-by-id markers across the bundle
// using the operation cache, falling back to a store lookup on miss.
func (s *ExportService) expandCitations(ctx context.Context, run *exportRun) {
	resolve := func(id string) *stix.Envelope {
		if cached := run.objectCache[id]; cached != nil {
			return cached
		}
		obj := s.fetchLatest(ctx, run, id)
		if obj == nil {
			return nil
		}
		return &obj.Stix
	}

	for _, envelope := range run.bundle.Objects {
		if !stix.ExpandObjectLinkByIDs(envelope, resolve) {
			s.logger.Warn("Unresolved citation markers left in place",
				zap.String("stableID", envelope.ID),
			)
		}
	}
}

// buildCollectionSummary synthesizes the non-persisted collection object
// describing bundle contents. Marking definitions move to the summary's
// object_marking_refs instead of the membership list.
func (s *ExportService) buildCollectionSummary(run *exportRun) *stix.Envelope {
	modified := run.opts.CollectionModified
	if modified.IsZero() {
		modified = time.Now().UTC()
	}

	var contents []stix.ManifestEntry
	var markingRefs []string
	for _, envelope := range run.bundle.Objects {
		if envelope.Type == stix.TypeMarkingDefinition {
			markingRefs = append(markingRefs, envelope.ID)
			continue
		}
		contents = append(contents, stix.ManifestEntry{
			ObjectRef:      envelope.ID,
			ObjectModified: envelope.VersionTimestamp(),
		})
	}
	sort.Slice(contents, func(i, j int) bool {
		return contents[i].ObjectRef < contents[j].ObjectRef
	})
	sort.Strings(markingRefs)

	summary := &stix.Envelope{
		ID:                stix.NewObjectID(stix.TypeCollection),
		Type:              stix.TypeCollection,
		Name:              run.opts.Domain,
		Created:           modified,
		Modified:          modified,
		Version:           run.opts.CollectionVersion,
		AttackSpecVersion: stix.CurrentAttackSpecVersion,
		Domains:           []string{run.opts.Domain},
		ObjectMarkingRefs: markingRefs,
		Contents:          contents,
	}
	stix.ConformToSpecVersion(summary, run.opts.SpecVersion)
	return summary
}
