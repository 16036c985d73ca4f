package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"chatrelay/internal/domain"
	"chatrelay/internal/forwarder"
)

type SessionLister interface {
	States() []domain.SessionState
}

type PoolLister interface {
	Stats() []forwarder.Stats
}

type DispatchLister interface {
	ListByEvent(ctx context.Context, eventID string) ([]domain.DispatchRecord, error)
}

// API exposes read-only views of the relay's runtime state.
type API struct {
	Sessions SessionLister
	Pools    PoolLister
	Dispatch DispatchLister
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/sessions", a.handleSessions).Methods(http.MethodGet)
	mux.HandleFunc("/v1/sessions/{account}", a.handleSession).Methods(http.MethodGet)
	mux.HandleFunc("/v1/pools", a.handlePools).Methods(http.MethodGet)
	mux.HandleFunc("/v1/dispatch/{eventId}", a.handleDispatch).Methods(http.MethodGet)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Sessions.States())
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	for _, st := range a.Sessions.States() {
		if st.AccountID == account {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	http.Error(w, ErrNotFound, http.StatusNotFound)
}

func (a *API) handlePools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Pools.Stats())
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["eventId"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	recs, err := a.Dispatch.ListByEvent(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "list dispatch records failed", "err", err, "event_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if len(recs) == 0 {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
