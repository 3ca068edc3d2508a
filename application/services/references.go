package services

import (
	"context"
	"sort"

	"threatgraph/application/ports"
	"threatgraph/domain/stix"

	"go.uber.org/zap"
)

// referenceCollector accumulates the distinct citation references seen
// across an import. Canonical ATT&CK ID references and alias references
// are counted but never reconciled into the reference store.
type referenceCollector struct {
	records    map[string]ports.ReferenceRecord
	duplicates int
	aliases    int
}

func newReferenceCollector() *referenceCollector {
	return &referenceCollector{records: make(map[string]ports.ReferenceRecord)}
}

// collect pulls the citation references off one object payload.
func (c *referenceCollector) collect(e *stix.Envelope) {
	aliasNames := make(map[string]bool, len(e.Aliases)+1)
	if e.Name != "" {
		aliasNames[e.Name] = true
	}
	for _, alias := range e.Aliases {
		aliasNames[alias] = true
	}

	for _, ref := range e.ExternalReferences {
		if stix.IsAttackIDSource(ref.SourceName) {
			continue
		}
		if aliasNames[ref.SourceName] {
			c.aliases++
			continue
		}
		if _, seen := c.records[ref.SourceName]; seen {
			c.duplicates++
			continue
		}
		c.records[ref.SourceName] = ports.ReferenceRecord{
			SourceName:  ref.SourceName,
			Description: ref.Description,
			URL:         ref.URL,
		}
	}
}

// sourceNames returns the collected names in deterministic order.
func (c *referenceCollector) sourceNames() []string {
	names := make([]string, 0, len(c.records))
	for name := range c.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReferenceService reconciles collected references against the canonical
// reference store.
type ReferenceService struct {
	references ports.ReferenceRepository
	logger     *zap.Logger
}

// NewReferenceService creates a new reference service
func NewReferenceService(references ports.ReferenceRepository, logger *zap.Logger) *ReferenceService {
	return &ReferenceService{
		references: references,
		logger:     logger,
	}
}

// Reconcile upserts the collected references: known source names are
// updated when their content changed, unknown ones are created. Each
// outcome lands in the report's reference buckets.
func (s *ReferenceService) Reconcile(ctx context.Context, collector *referenceCollector, report *stix.ImportReferences, reporter *phaseReporter) error {
	names := collector.sourceNames()
	if len(names) == 0 {
		return nil
	}

	existing, err := s.references.RetrieveAll(ctx, ports.ReferenceFilter{SourceNames: names})
	if err != nil {
		return err
	}
	known := make(map[string]ports.ReferenceRecord, len(existing))
	for _, record := range existing {
		known[record.SourceName] = record
	}

	for i, name := range names {
		record := collector.records[name]
		if current, ok := known[name]; ok {
			if current != record {
				if err := s.references.Update(ctx, record); err != nil {
					return err
				}
				report.Changes = append(report.Changes, name)
			}
		} else {
			if err := s.references.Create(ctx, record); err != nil {
				return err
			}
			report.Additions = append(report.Additions, name)
		}
		reporter.report(i + 1)
	}

	s.logger.Debug("References reconciled",
		zap.Int("collected", len(names)),
		zap.Int("added", len(report.Additions)),
		zap.Int("changed", len(report.Changes)),
		zap.Int("duplicates", collector.duplicates),
		zap.Int("aliases", collector.aliases),
	)
	return nil
}

// Preview computes the reference report without writing anything.
func (s *ReferenceService) Preview(ctx context.Context, collector *referenceCollector, report *stix.ImportReferences) error {
	names := collector.sourceNames()
	if len(names) == 0 {
		return nil
	}

	existing, err := s.references.RetrieveAll(ctx, ports.ReferenceFilter{SourceNames: names})
	if err != nil {
		return err
	}
	known := make(map[string]ports.ReferenceRecord, len(existing))
	for _, record := range existing {
		known[record.SourceName] = record
	}

	for _, name := range names {
		record := collector.records[name]
		if current, ok := known[name]; ok {
			if current != record {
				report.Changes = append(report.Changes, name)
			}
		} else {
			report.Additions = append(report.Additions, name)
		}
	}
	return nil
}
