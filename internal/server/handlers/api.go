package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/specenv/internal/errors"
	"github.com/3leaps/specenv/pkg/envstore"
	"github.com/3leaps/specenv/pkg/status"
)

// Materializer builds the environment of a background.
type Materializer interface {
	Materialize(ctx context.Context, backgroundID string) (*envstore.Environment, error)
}

// EnvironmentReader reads persisted environments.
type EnvironmentReader interface {
	GetEnvironment(ctx context.Context, id string) (*envstore.Environment, error)
	GetEnvironmentForBackground(ctx context.Context, backgroundID string) (*envstore.Environment, error)
	ListEnvironments(ctx context.Context) ([]envstore.Environment, error)
}

// ItemReader reads persisted items.
type ItemReader interface {
	GetItem(ctx context.Context, id string) (*envstore.Item, error)
	ListItemsForIndex(ctx context.Context, indexID string) ([]envstore.Item, error)
}

// Acquirer starts item downloads.
type Acquirer interface {
	Acquire(ctx context.Context, itemID string) (*envstore.Item, error)
}

// IndexAdvancer applies status events to indexes.
type IndexAdvancer interface {
	Advance(ctx context.Context, indexID string, ev status.Event) (*envstore.Index, error)
}

// API serves the materialization and acquisition endpoints.
type API struct {
	Materializer Materializer
	Environments EnvironmentReader
	Items        ItemReader
	Acquirer     Acquirer
	Indexes      IndexAdvancer
	Logger       *zap.Logger
}

// Register mounts the API routes on r.
func (a *API) Register(r chi.Router) {
	r.Route("/backgrounds/{id}/environment", func(r chi.Router) {
		r.Post("/", a.materialize)
		r.Get("/", a.backgroundEnvironment)
	})
	r.Get("/environments", a.listEnvironments)
	r.Get("/environments/{id}", a.getEnvironment)
	r.Get("/items/{id}", a.getItem)
	r.Post("/items/{id}/acquire", a.acquireItem)
	r.Get("/indexes/{id}/items", a.indexItems)
	r.Post("/indexes/{id}/events", a.indexEvent)
}

func (a *API) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func (a *API) materialize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	env, err := a.Materializer.Materialize(r.Context(), id)
	if err != nil {
		a.logger().Info("Materialize rejected", zap.String("background_id", id), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) backgroundEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := a.Environments.GetEnvironmentForBackground(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) listEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := a.Environments.ListEnvironments(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if envs == nil {
		envs = []envstore.Environment{}
	}
	writeJSON(w, http.StatusOK, envs)
}

func (a *API) getEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := a.Environments.GetEnvironment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.Items.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// acquireItem answers 202: the transfer continues after the response and
// its outcome is read back with GET /items/{id}.
func (a *API) acquireItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.Acquirer.Acquire(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (a *API) indexItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.Items.ListItemsForIndex(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if items == nil {
		items = []envstore.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

type indexEventRequest struct {
	Event string `json:"event"`
}

func (a *API) indexEvent(w http.ResponseWriter, r *http.Request) {
	var req indexEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		respondWithError(w, r, &apperrors.HTTPError{
			Status: http.StatusBadRequest, Code: apperrors.CodeBadRequest, Message: "invalid request body", Err: err,
		})
		return
	}
	ev, err := status.ParseEvent(req.Event)
	if err != nil {
		respondWithError(w, r, &apperrors.HTTPError{
			Status: http.StatusBadRequest, Code: apperrors.CodeBadRequest, Message: err.Error(), Err: err,
		})
		return
	}

	idx, err := a.Indexes.Advance(r.Context(), chi.URLParam(r, "id"), ev)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}
