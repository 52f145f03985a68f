package api

import (
	"net/http"

	"ncm-console/pkg/store"
)

// RegisterRoutes wires the root, health and audit endpoints on the mux.
func RegisterRoutes(mux *http.ServeMux, st store.Store, token string) {
	auth := AuthFunc(token)

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ncm console"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		if !auth(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		entries, err := st.ListAudit(50)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list audit")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
	})
}
