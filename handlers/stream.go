package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"anistream/services/loader"
	"anistream/services/manifest"
	"anistream/services/playlist"
)

type loaderManager interface {
	Open(manifestURL string) *loader.Loader
	Session(id string) (*loader.Loader, bool)
	Close(id string)
}

var _ loaderManager = (*loader.Manager)(nil)

// StreamHandler exposes playback sessions over HTTP: opening a session
// fetches and translates the DASH manifest, and the session's synthetic
// playlist URLs are served from the loader's cache.
type StreamHandler struct {
	Manager loaderManager
}

func NewStreamHandler(manager loaderManager) *StreamHandler {
	return &StreamHandler{Manager: manager}
}

type openSessionRequest struct {
	ManifestURL string `json:"manifestUrl"`
}

type openSessionResponse struct {
	SessionID string `json:"sessionId"`
	MasterURL string `json:"masterUrl"`
}

// OpenSession starts a playback session for a DASH manifest URL and returns
// where the player should fetch the master playlist.
func (h *StreamHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ManifestURL) == "" {
		http.Error(w, "manifestUrl is required", http.StatusBadRequest)
		return
	}

	l := h.Manager.Open(req.ManifestURL)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openSessionResponse{
		SessionID: l.ID,
		MasterURL: fmt.Sprintf("/stream/%s/master.m3u8", l.ID),
	})
}

// CloseSession ends a playback session and discards its cached manifest.
func (h *StreamHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	h.Manager.Close(mux.Vars(r)["session"])
	w.WriteHeader(http.StatusNoContent)
}

// ServeFile answers the session-relative playlist requests the player makes
// after reading the master playlist: master.m3u8 and <representation>.m3u8.
func (h *StreamHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	l, ok := h.Manager.Session(vars["session"])
	if !ok {
		http.Error(w, loader.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}

	u := &url.URL{Scheme: loader.SchemeRedirect, Host: "session", Path: "/" + vars["file"]}
	h.respond(w, r, l, u)
}

// Proxy resolves a full custom-scheme URL through the session's loader.
// Raw segment URLs come back as redirects so their bytes never pass through
// this process.
func (h *StreamHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	l, ok := h.Manager.Session(mux.Vars(r)["session"])
	if !ok {
		http.Error(w, loader.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}

	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}

	h.respond(w, r, l, u)
}

func (h *StreamHandler) respond(w http.ResponseWriter, r *http.Request, l *loader.Loader, u *url.URL) {
	resp, err := l.Load(r.Context(), u)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, playlist.ErrRepresentationNotFound),
			errors.Is(err, loader.ErrSessionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, loader.ErrUnhandledScheme):
			status = http.StatusBadRequest
		case errors.Is(err, playlist.ErrNoRepresentations),
			errors.Is(err, manifest.ErrMissingDuration):
			status = http.StatusUnprocessableEntity
		}
		log.Printf("[stream] session %s: load %s failed: %v", l.ID, u, err)
		http.Error(w, err.Error(), status)
		return
	}

	if resp.RedirectURL != "" {
		http.Redirect(w, r, resp.RedirectURL, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.Write(resp.Data)
}
