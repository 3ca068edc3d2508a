package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"threatgraph/application/ports"
	apperrors "threatgraph/pkg/errors"
)

// ReferenceStore provides an in-memory implementation of
// ports.ReferenceRepository.
type ReferenceStore struct {
	mu      sync.RWMutex
	records map[string]ports.ReferenceRecord
}

// NewReferenceStore creates a new in-memory reference store
func NewReferenceStore() *ReferenceStore {
	return &ReferenceStore{
		records: make(map[string]ports.ReferenceRecord),
	}
}

// RetrieveAll lists reference records, optionally narrowed by source name.
func (s *ReferenceStore) RetrieveAll(ctx context.Context, filter ports.ReferenceFilter) ([]ports.ReferenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []ports.ReferenceRecord
	if len(filter.SourceNames) > 0 {
		for _, name := range filter.SourceNames {
			if record, ok := s.records[name]; ok {
				records = append(records, record)
			}
		}
	} else {
		for _, record := range s.records {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SourceName < records[j].SourceName
	})
	return records, nil
}

// Create stores a new reference record.
func (s *ReferenceStore) Create(ctx context.Context, record ports.ReferenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.SourceName]; exists {
		return apperrors.NewConflictError(fmt.Sprintf("reference already exists: %s", record.SourceName))
	}
	s.records[record.SourceName] = record
	return nil
}

// Update replaces an existing reference record.
func (s *ReferenceStore) Update(ctx context.Context, record ports.ReferenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.SourceName]; !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("reference %s", record.SourceName))
	}
	s.records[record.SourceName] = record
	return nil
}
