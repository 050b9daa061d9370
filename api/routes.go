package api

import (
	"encoding/json"
	"net/http"

	"anistream/handlers"

	"github.com/gorilla/mux"
)

// corsMiddleware handles CORS for API routes
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleOptions handles OPTIONS requests for CORS preflight
func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// NewRouter builds the full route table.
func NewRouter(
	streamHandler *handlers.StreamHandler,
	downloadsHandler *handlers.DownloadsHandler,
) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	// Playlist endpoints the player polls during playback. Outside /api so
	// players that cannot attach headers can fetch them directly.
	r.HandleFunc("/stream/{session}/proxy", streamHandler.Proxy).Methods(http.MethodGet)
	r.HandleFunc("/stream/{session}/{file}", streamHandler.ServeFile).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)

	api.HandleFunc("/stream/sessions", streamHandler.OpenSession).Methods(http.MethodPost)
	api.HandleFunc("/stream/sessions", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/stream/sessions/{session}", streamHandler.CloseSession).Methods(http.MethodDelete)
	api.HandleFunc("/stream/sessions/{session}", handleOptions).Methods(http.MethodOptions)

	api.HandleFunc("/downloads", downloadsHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/downloads", downloadsHandler.Start).Methods(http.MethodPost)
	api.HandleFunc("/downloads", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/downloads/count", downloadsHandler.Count).Methods(http.MethodGet)
	api.HandleFunc("/downloads/count", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/downloads/retry", downloadsHandler.Retry).Methods(http.MethodPost)
	api.HandleFunc("/downloads/retry", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/downloads/cancel", downloadsHandler.Cancel).Methods(http.MethodPost)
	api.HandleFunc("/downloads/cancel", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/downloads/resolve", downloadsHandler.Resolve).Methods(http.MethodPost)
	api.HandleFunc("/downloads/resolve", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/downloads/reset", downloadsHandler.Reset).Methods(http.MethodPost)
	api.HandleFunc("/downloads/reset", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/downloads/{contentID}/{episode}", downloadsHandler.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/downloads/{contentID}/{episode}", handleOptions).Methods(http.MethodOptions)

	return r
}
