// Package httpdebug exposes a read-only HTTP introspection surface over a
// session's registry (SPEC_FULL.md A4): GET /modules, GET /modules/{name}.
package httpdebug

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/modsup/registry"
)

// Lister is the registry surface this package depends on.
type Lister interface {
	List(ctx context.Context) ([]registry.ModuleRecordView, error)
}

// NewRouter builds the debug router. It carries no write endpoints:
// module lifecycle is only ever driven through cmd/modkitctl.
func NewRouter(reg Lister) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/modules", listModules(reg))
	r.Get("/modules/{name}", getModule(reg))

	return r
}

func listModules(reg Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := reg.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func getModule(reg Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		views, err := reg.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, v := range views {
			if v.Name == name {
				writeJSON(w, http.StatusOK, v)
				return
			}
		}
		writeError(w, http.StatusNotFound, registry.ErrModuleUnknown)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
