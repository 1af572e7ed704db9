package audit

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meridianlabs/ssobridge/pkg/httputil"
	"github.com/meridianlabs/ssobridge/pkg/observability"
	"github.com/meridianlabs/ssobridge/pkg/state"
)

// StateQuerier is the read side of the login state store.
type StateQuerier interface {
	QueryByProvider(ctx context.Context, idpID int) ([]state.Record, error)
}

// Handlers serves the login trail API.
type Handlers struct {
	store  StateQuerier
	logger *observability.Logger
}

// NewHandlers creates the audit API.
func NewHandlers(store StateQuerier, logger *observability.Logger) *Handlers {
	return &Handlers{store: store, logger: logger}
}

// Register attaches the audit routes to the router.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/api/audit/logins", h.ListLogins).Methods(http.MethodGet)
	router.HandleFunc("/api/audit/logins/export", h.ExportLogins).Methods(http.MethodGet)
}

// ListLogins returns login records for one provider, newest first.
func (h *Handlers) ListLogins(w http.ResponseWriter, r *http.Request) {
	records, ok := h.query(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"logins": records,
		"count":  len(records),
	})
}

// ExportLogins downloads login records in ?format=json|csv|ndjson.
func (h *Handlers) ExportLogins(w http.ResponseWriter, r *http.Request) {
	records, ok := h.query(w, r)
	if !ok {
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}

	data, err := Export(records, format)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=logins.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=logins.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=logins.json")
	}
	w.Write(data)
}

func (h *Handlers) query(w http.ResponseWriter, r *http.Request) ([]state.Record, bool) {
	idpID, err := httputil.ParseQueryInt(r, "idp", 0)
	if err != nil || !state.ValidProviderID(idpID) {
		httputil.WriteBadRequest(w, "idp query parameter must be a provider id")
		return nil, false
	}

	records, err := h.store.QueryByProvider(r.Context(), idpID)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("login trail query failed")
		httputil.WriteInternalError(w, errors.New("login trail unavailable"))
		return nil, false
	}
	return records, true
}
