package models

// EpisodeStorage is one completed episode inside a ContentStorage entry.
// Location is the terminal local path of the downloaded file.
type EpisodeStorage struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
	IsFiller  bool   `json:"isFiller"`
	Location  string `json:"location"`
}

// ContentStorage groups every stored episode of one content item. Episodes
// are unique by number; inserting an existing number replaces the entry.
type ContentStorage struct {
	ContentID   int              `json:"contentId"`
	Title       string           `json:"title"`
	Format      string           `json:"format"`
	PosterImage string           `json:"posterImage"`
	Episodes    []EpisodeStorage `json:"episodes"`
}

// Episode returns the stored episode with the given number, if present.
func (c ContentStorage) Episode(number int) (EpisodeStorage, bool) {
	for _, ep := range c.Episodes {
		if ep.Number == number {
			return ep, true
		}
	}
	return EpisodeStorage{}, false
}

// DownloadView is one row of the merged downloads snapshot handed to
// observers: persisted episodes carry a terminal status, live ones the
// registry's current status.
type DownloadView struct {
	ContentID   int           `json:"contentId"`
	Title       string        `json:"title"`
	Format      string        `json:"format"`
	PosterImage string        `json:"posterImage"`
	Episodes    []EpisodeView `json:"episodes"`
}

// EpisodeView pairs episode metadata with its download status.
type EpisodeView struct {
	EpisodeInfo
	Status DownloadStatus `json:"status"`
}
