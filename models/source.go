package models

// EpisodeSourceKind tags the closed set of places an episode can come from.
type EpisodeSourceKind int

const (
	SourceNetwork EpisodeSourceKind = iota
	SourceDownloading
	SourceDownloaded
)

func (k EpisodeSourceKind) String() string {
	switch k {
	case SourceNetwork:
		return "network"
	case SourceDownloading:
		return "downloading"
	case SourceDownloaded:
		return "downloaded"
	}
	return "unknown"
}

// EpisodeSource normalizes the three concrete episode shapes the core deals
// with. StreamURL is set for network episodes, Location for downloaded ones,
// Progress for in-flight ones.
type EpisodeSource struct {
	Kind      EpisodeSourceKind `json:"kind"`
	Episode   EpisodeInfo       `json:"episode"`
	StreamURL string            `json:"streamUrl,omitempty"`
	Location  string            `json:"location,omitempty"`
	Progress  float64           `json:"progress,omitempty"`
}

// NetworkEpisode describes an episode that must be streamed from origin.
func NetworkEpisode(info EpisodeInfo, streamURL string) EpisodeSource {
	return EpisodeSource{Kind: SourceNetwork, Episode: info, StreamURL: streamURL}
}

// DownloadingEpisode describes an episode currently held by the registry.
func DownloadingEpisode(info EpisodeInfo, progress float64) EpisodeSource {
	return EpisodeSource{Kind: SourceDownloading, Episode: info, Progress: progress}
}

// DownloadedEpisode describes an episode playable from local storage.
func DownloadedEpisode(stored EpisodeStorage) EpisodeSource {
	return EpisodeSource{
		Kind: SourceDownloaded,
		Episode: EpisodeInfo{
			Number:    stored.Number,
			Title:     stored.Title,
			Thumbnail: stored.Thumbnail,
			IsFiller:  stored.IsFiller,
		},
		Location: stored.Location,
	}
}
