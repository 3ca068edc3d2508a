package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"threatgraph/application/services"
	"threatgraph/domain/stix"
	"threatgraph/pkg/common"
	apperrors "threatgraph/pkg/errors"
	"threatgraph/pkg/utils"

	"go.uber.org/zap"
)

// CollectionBundleHandler handles bundle import and export requests
type CollectionBundleHandler struct {
	importer *services.ImportService
	exporter *services.ExportService
	logger   *zap.Logger
}

// NewCollectionBundleHandler creates a new collection bundle handler
func NewCollectionBundleHandler(
	importer *services.ImportService,
	exporter *services.ExportService,
	logger *zap.Logger,
) *CollectionBundleHandler {
	return &CollectionBundleHandler{
		importer: importer,
		exporter: exporter,
		logger:   logger,
	}
}

// ImportBundleResponse summarizes an import for the caller.
type ImportBundleResponse struct {
	CollectionRef      string                 `json:"collectionRef"`
	CollectionModified time.Time              `json:"collectionModified"`
	Preview            bool                   `json:"preview"`
	ImportCategories   *stix.ImportCategories `json:"importCategories"`
	ImportErrors       []stix.ImportError     `json:"importErrors"`
	ImportReferences   *stix.ImportReferences `json:"importReferences"`
}

// ImportBundle handles POST /collection-bundles. The body is a STIX
// bundle containing exactly one collection object plus its contents.
// Query parameters: previewOnly, forceImportParameters (comma-separated).
func (h *CollectionBundleHandler) ImportBundle(w http.ResponseWriter, r *http.Request) {
	var bundle stix.Bundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		common.RespondError(w, http.StatusBadRequest, "INVALID_BUNDLE", "Invalid request body: "+err.Error())
		return
	}

	collection, objects := splitCollection(bundle.Objects)
	if collection == nil {
		common.RespondError(w, http.StatusBadRequest, "INVALID_BUNDLE", "Bundle does not contain a collection object")
		return
	}

	opts := services.ImportOptions{
		Preview: r.URL.Query().Get("previewOnly") == "true",
	}
	if forceParam := r.URL.Query().Get("forceImportParameters"); forceParam != "" {
		for _, flag := range strings.Split(forceParam, ",") {
			opts.Force = append(opts.Force, services.ForceFlag(strings.TrimSpace(flag)))
		}
	}

	saved, err := h.importer.ImportBundle(r.Context(), collection, objects, opts)
	if err != nil {
		h.logger.Error("Bundle import failed",
			zap.String("collectionRef", collection.ID),
			zap.Error(err),
		)
		switch {
		case apperrors.IsBadBundle(err):
			common.RespondError(w, http.StatusBadRequest, "INVALID_BUNDLE", err.Error())
		case apperrors.IsDuplicateCollection(err):
			common.RespondError(w, http.StatusConflict, "DUPLICATE_COLLECTION", err.Error())
		case apperrors.IsSpecVersion(err):
			common.RespondError(w, http.StatusBadRequest, "SPEC_VERSION_VIOLATION", err.Error())
		default:
			common.RespondError(w, http.StatusInternalServerError, "IMPORT_FAILED", "Failed to import bundle")
		}
		return
	}

	status := http.StatusCreated
	if opts.Preview {
		status = http.StatusOK
	}
	common.RespondJSON(w, status, ImportBundleResponse{
		CollectionRef:      saved.Stix.ID,
		CollectionModified: saved.Stix.Modified,
		Preview:            opts.Preview,
		ImportCategories:   saved.Workspace.ImportCategories,
		ImportErrors:       saved.Workspace.ImportErrors,
		ImportReferences:   saved.Workspace.ImportReferences,
	})
}

// exportQuery is the validated shape of export query parameters.
type exportQuery struct {
	Domain      string `validate:"required"`
	SpecVersion string `validate:"omitempty,oneof=2.0 2.1"`
}

// ExportBundle handles GET /collection-bundles. Query parameters:
// domain (required), specVersion, includeRevoked, includeDeprecated,
// includeMissingAttackId, includeNotes, includeDataSources,
// includeCollectionObject, collectionVersion, state.
func (h *CollectionBundleHandler) ExportBundle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := exportQuery{
		Domain:      q.Get("domain"),
		SpecVersion: q.Get("specVersion"),
	}
	if err := utils.ValidateStruct(query); err != nil {
		common.RespondError(w, http.StatusBadRequest, "INVALID_QUERY", "Validation error: "+err.Error())
		return
	}

	opts := services.ExportOptions{
		Domain:                  query.Domain,
		SpecVersion:             query.SpecVersion,
		IncludeRevoked:          q.Get("includeRevoked") == "true",
		IncludeDeprecated:       q.Get("includeDeprecated") == "true",
		IncludeMissingAttackID:  q.Get("includeMissingAttackId") == "true",
		IncludeNotes:            q.Get("includeNotes") == "true",
		IncludeDataSources:      q.Get("includeDataSources") == "true",
		IncludeCollectionObject: q.Get("includeCollectionObject") == "true",
		CollectionVersion:       q.Get("collectionVersion"),
		State:                   q.Get("state"),
	}

	bundle, err := h.exporter.ExportBundle(r.Context(), opts)
	if err != nil {
		h.logger.Error("Bundle export failed",
			zap.String("domain", opts.Domain),
			zap.Error(err),
		)
		common.RespondError(w, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to export bundle")
		return
	}

	// The bundle is the payload itself, not wrapped in an envelope;
	// consumers feed it straight back into an import.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(bundle); err != nil {
		h.logger.Error("Failed to encode bundle", zap.Error(err))
	}
}

// splitCollection separates the collection object from the rest of the
// bundle contents.
func splitCollection(objects []*stix.Envelope) (*stix.Envelope, []*stix.Envelope) {
	var collection *stix.Envelope
	rest := make([]*stix.Envelope, 0, len(objects))
	for _, obj := range objects {
		if obj.Type == stix.TypeCollection && collection == nil {
			collection = obj
			continue
		}
		rest = append(rest, obj)
	}
	return collection, rest
}
