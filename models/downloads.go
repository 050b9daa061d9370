package models

// EpisodeInfo carries the episode-level metadata a download needs to keep
// around so the catalog can render the entry later without a metadata lookup.
type EpisodeInfo struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
	IsFiller  bool   `json:"isFiller"`
}

// DownloadRequest is the immutable description of a single episode download.
type DownloadRequest struct {
	ContentID     int         `json:"contentId"`
	ContentTitle  string      `json:"contentTitle"`
	ContentFormat string      `json:"contentFormat"`
	PosterImage   string      `json:"posterImage"`
	Episode       EpisodeInfo `json:"episode"`
	SourceURL     string      `json:"sourceUrl"`
}

// DownloadState enumerates the task state machine. Downloaded and Failed are
// terminal: no further updates are accepted for a task once reached.
type DownloadState int

const (
	StatePending DownloadState = iota
	StateDownloading
	StateDownloaded
	StateFailed
)

func (s DownloadState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDownloading:
		return "downloading"
	case StateDownloaded:
		return "downloaded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further status updates are valid.
func (s DownloadState) Terminal() bool {
	return s == StateDownloaded || s == StateFailed
}

// DownloadStatus is a tagged variant: Progress is meaningful only while
// downloading, Location only once downloaded, Reason only on failure.
type DownloadStatus struct {
	State    DownloadState `json:"state"`
	Progress float64       `json:"progress,omitempty"`
	Location string        `json:"location,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

func Pending() DownloadStatus {
	return DownloadStatus{State: StatePending}
}

// Downloading clamps the reported fraction into [0,1]. The transfer session
// reports cumulative progress, so each report simply overwrites the last.
func Downloading(progress float64) DownloadStatus {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return DownloadStatus{State: StateDownloading, Progress: progress}
}

func Downloaded(location string) DownloadStatus {
	return DownloadStatus{State: StateDownloaded, Progress: 1, Location: location}
}

func Failed(reason string) DownloadStatus {
	return DownloadStatus{State: StateFailed, Reason: reason}
}
