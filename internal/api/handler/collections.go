package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tilemosaic/mosaicd/internal/api/response"
	"github.com/tilemosaic/mosaicd/internal/collections"
)

// CollectionService defines the interface the collection handlers depend on.
type CollectionService interface {
	List(ctx context.Context) ([]collections.CollectionInfo, error)
	Get(ctx context.Context, id string) (*collections.CollectionInfo, error)
	StartInstallation(ctx context.Context, id string) error
	Uninstall(ctx context.Context, id string) error
}

// NewListCollectionsHandler returns the handler for GET /api/v1/collections.
func NewListCollectionsHandler(svc CollectionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := svc.List(r.Context())
		if err != nil {
			writeCollectionError(w, err)
			return
		}
		response.JSON(w, infos)
	}
}

// NewGetCollectionHandler returns the handler for
// GET /api/v1/collections/{collectionID}.
func NewGetCollectionHandler(svc CollectionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := svc.Get(r.Context(), chi.URLParam(r, "collectionID"))
		if err != nil {
			writeCollectionError(w, err)
			return
		}
		response.JSON(w, info)
	}
}

// NewInstallCollectionHandler returns the handler for
// POST /api/v1/collections/{collectionID}/install. The installation runs
// detached; a 202 means the claim succeeded and the download has started.
func NewInstallCollectionHandler(svc CollectionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "collectionID")
		if err := svc.StartInstallation(r.Context(), id); err != nil {
			writeCollectionError(w, err)
			return
		}
		response.Accepted(w, map[string]string{
			"id":     id,
			"status": "downloading",
		})
	}
}

// NewUninstallCollectionHandler returns the handler for
// POST /api/v1/collections/{collectionID}/uninstall.
func NewUninstallCollectionHandler(svc CollectionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "collectionID")
		if err := svc.Uninstall(r.Context(), id); err != nil {
			writeCollectionError(w, err)
			return
		}
		response.JSON(w, map[string]string{
			"id":     id,
			"status": "notinstalled",
		})
	}
}

func writeCollectionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, collections.ErrUnknownCollection):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown collection", nil)
	case errors.Is(err, collections.ErrInvalidState):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
