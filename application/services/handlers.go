package services

import (
	"context"

	"threatgraph/application/ports"
	"threatgraph/domain/stix"

	"go.uber.org/zap"
)

// TypeHandler is the narrow per-type persistence interface the import
// engine dispatches to. RetrieveByID returns every stored version of a
// stable id; Create persists one new version, running any type-specific
// create hook first.
type TypeHandler interface {
	RetrieveByID(ctx context.Context, stableID string) ([]*stix.Object, error)
	Create(ctx context.Context, obj *stix.Object) error
}

// HandlerRegistry is the closed type -> handler mapping. Every known type
// except the collection type has a handler; collections are persisted by
// the import engine itself. Adding an object type means adding it here,
// which keeps dispatch a visible edit instead of a runtime no-op.
type HandlerRegistry struct {
	handlers map[stix.ObjectType]TypeHandler
}

// NewHandlerRegistry builds the registry over the object store.
func NewHandlerRegistry(objects ports.ObjectRepository, logger *zap.Logger) *HandlerRegistry {
	generic := &genericHandler{objects: objects}
	detectionStrategy := &detectionStrategyHandler{
		genericHandler: genericHandler{objects: objects},
		logger:         logger,
	}

	handlers := map[stix.ObjectType]TypeHandler{
		stix.TypeMarkingDefinition: generic,
		stix.TypeIdentity:          generic,
		stix.TypeDataSource:        generic,
		stix.TypeDataComponent:     generic,
		stix.TypeAnalytic:          generic,
		stix.TypeDetectionStrategy: detectionStrategy,
		stix.TypeTechnique:         generic,
		stix.TypeTactic:            generic,
		stix.TypeMitigation:        generic,
		stix.TypeGroup:             generic,
		stix.TypeCampaign:          generic,
		stix.TypeMalware:           generic,
		stix.TypeTool:              generic,
		stix.TypeAsset:             generic,
		stix.TypeMatrix:            generic,
		stix.TypeRelationship:      generic,
		stix.TypeNote:              generic,
	}

	return &HandlerRegistry{handlers: handlers}
}

// Lookup returns the handler for a type, or false for unregistered types.
func (r *HandlerRegistry) Lookup(t stix.ObjectType) (TypeHandler, bool) {
	handler, ok := r.handlers[t]
	return handler, ok
}

// genericHandler persists objects with no type-specific behavior.
type genericHandler struct {
	objects ports.ObjectRepository
}

func (h *genericHandler) RetrieveByID(ctx context.Context, stableID string) ([]*stix.Object, error) {
	return h.objects.RetrieveAllVersions(ctx, stableID)
}

func (h *genericHandler) Create(ctx context.Context, obj *stix.Object) error {
	return h.objects.Create(ctx, obj)
}

// detectionStrategyHandler rebuilds a strategy's outbound embedded
// relationships from its analytic references before persisting. The
// referenced analytics must already be stored, which is why analytics
// sort before detection strategies in the import order.
type detectionStrategyHandler struct {
	genericHandler
	logger *zap.Logger
}

func (h *detectionStrategyHandler) Create(ctx context.Context, obj *stix.Object) error {
	outbound := make([]stix.EmbeddedRelationship, 0, len(obj.Stix.AnalyticRefs))
	for _, analyticRef := range obj.Stix.AnalyticRefs {
		rel := stix.EmbeddedRelationship{
			Direction: stix.DirectionOutbound,
			TargetRef: analyticRef,
		}
		analytic, err := h.objects.RetrieveLatest(ctx, analyticRef)
		if err != nil {
			h.logger.Warn("Detection strategy references unknown analytic",
				zap.String("strategy", obj.Stix.ID),
				zap.String("analytic", analyticRef),
				zap.Error(err),
			)
		} else {
			rel.AttackID = analytic.Stix.AttackID()
		}
		outbound = append(outbound, rel)
	}

	// Inbound entries on any prior version are owned by the objects
	// pointing at this strategy and carry over untouched.
	var existing []stix.EmbeddedRelationship
	if prior, err := h.objects.RetrieveLatest(ctx, obj.Stix.ID); err == nil {
		existing = prior.Workspace.EmbeddedRelationships
	}
	obj.Workspace.EmbeddedRelationships = stix.MergeEmbeddedRelationships(existing, outbound)

	return h.objects.Create(ctx, obj)
}
