package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"anistream/models"
	"anistream/services/downloads"
)

type downloadsService interface {
	Download(req models.DownloadRequest) error
	Retry(contentID, episodeNumber int)
	Cancel(contentID, episodeNumber int)
	Delete(contentID, episodeNumber int)
	Reset()
	Snapshot(contentID *int) []models.DownloadView
	CountNow() int
	Resolve(contentID int, info models.EpisodeInfo, streamURL string) models.EpisodeSource
}

var _ downloadsService = (*downloads.Service)(nil)

// DownloadsHandler exposes the download registry to the UI layer.
type DownloadsHandler struct {
	Service downloadsService
}

func NewDownloadsHandler(service downloadsService) *DownloadsHandler {
	return &DownloadsHandler{Service: service}
}

// List returns the merged persisted+live downloads snapshot, optionally
// filtered with ?contentId=.
func (h *DownloadsHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter *int
	if raw := r.URL.Query().Get("contentId"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "contentId must be an integer", http.StatusBadRequest)
			return
		}
		filter = &id
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Service.Snapshot(filter))
}

// Count returns the number of live pending/downloading tasks.
func (h *DownloadsHandler) Count(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"count": h.Service.CountNow()})
}

// Start begins a new episode download.
func (h *DownloadsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SourceURL == "" {
		http.Error(w, "sourceUrl is required", http.StatusBadRequest)
		return
	}

	if err := h.Service.Download(req); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type episodeRef struct {
	ContentID     int `json:"contentId"`
	EpisodeNumber int `json:"episodeNumber"`
}

// Retry resets matching failed tasks to pending and resumes them.
func (h *DownloadsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ref, ok := decodeEpisodeRef(w, r)
	if !ok {
		return
	}
	h.Service.Retry(ref.ContentID, ref.EpisodeNumber)
	w.WriteHeader(http.StatusNoContent)
}

// Cancel stops matching in-flight tasks.
func (h *DownloadsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ref, ok := decodeEpisodeRef(w, r)
	if !ok {
		return
	}
	h.Service.Cancel(ref.ContentID, ref.EpisodeNumber)
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes one completed download and its file.
func (h *DownloadsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	contentID, err := strconv.Atoi(vars["contentID"])
	if err != nil {
		http.Error(w, "contentID must be an integer", http.StatusBadRequest)
		return
	}
	episode, err := strconv.Atoi(vars["episode"])
	if err != nil {
		http.Error(w, "episode must be an integer", http.StatusBadRequest)
		return
	}

	h.Service.Delete(contentID, episode)
	w.WriteHeader(http.StatusNoContent)
}

type resolveRequest struct {
	ContentID int                `json:"contentId"`
	Episode   models.EpisodeInfo `json:"episode"`
	StreamURL string             `json:"streamUrl"`
}

// Resolve normalizes an episode to the source the player should use:
// downloaded file, in-flight transfer, or the provided network stream.
func (h *DownloadsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Service.Resolve(req.ContentID, req.Episode, req.StreamURL))
}

// Reset wipes every stored download.
func (h *DownloadsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.Service.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func decodeEpisodeRef(w http.ResponseWriter, r *http.Request) (episodeRef, bool) {
	var ref episodeRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return ref, false
	}
	return ref, true
}
