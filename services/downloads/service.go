// Package downloads tracks in-flight episode downloads and graduates
// completed ones into the persistent catalog.
package downloads

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"anistream/models"
	"anistream/services/catalog"
)

// Service is the concurrent-safe download registry and the client surface
// the UI layer consumes. All state lives behind one mutex: transfer-session
// callbacks, client calls, and observer bookkeeping funnel through it.
type Service struct {
	fs    afero.Fs
	store *catalog.Store

	mu       sync.Mutex
	session  TransferSession
	tasks    map[int64]*taskData
	subs     map[int]*subscriber
	countSub map[int]chan int
	nextSub  int
	closed   bool
}

type taskData struct {
	req    models.DownloadRequest
	status models.DownloadStatus
}

type subscriber struct {
	ch        chan []models.DownloadView
	contentID *int
}

// NewService builds the registry over the given catalog store. The transfer
// session is attached afterwards with SetSession because the session needs
// the service as its event sink.
func NewService(fs afero.Fs, store *catalog.Store) *Service {
	return &Service{
		fs:       fs,
		store:    store,
		tasks:    make(map[int64]*taskData),
		subs:     make(map[int]*subscriber),
		countSub: make(map[int]chan int),
	}
}

// SetSession attaches the transfer session used for new downloads.
func (s *Service) SetSession(session TransferSession) {
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
}

// Download registers and starts a new episode download.
func (s *Service) Download(req models.DownloadRequest) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("downloads service is shut down")
	}
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return fmt.Errorf("no transfer session attached")
	}

	id, err := session.Submit(req)
	if err != nil {
		return fmt.Errorf("submit download: %w", err)
	}

	s.mu.Lock()
	s.tasks[id] = &taskData{req: req, status: models.Pending()}
	s.notifyLocked()
	s.mu.Unlock()

	session.Resume(id)
	log.Printf("[downloads] started task %d content=%d episode=%d", id, req.ContentID, req.Episode.Number)
	return nil
}

// Progress implements TransferEvents. Reports for unknown or terminal task
// ids are discarded; the stored fraction is last-write-wins.
func (s *Service) Progress(taskID int64, fraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.status.State.Terminal() {
		return
	}
	task.status = models.Downloading(fraction)
	s.notifyLocked()
}

// Completed implements TransferEvents. The entry graduates into the catalog
// and leaves the live registry in the same critical section so no stale
// Downloading event can follow the terminal transition. A completion for an
// evicted task id deletes the delivered file instead of adopting it.
func (s *Service) Completed(taskID int64, location string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		log.Printf("[downloads] completion for evicted task %d, discarding %s", taskID, location)
		if err := s.fs.Remove(location); err != nil {
			log.Printf("[downloads] remove orphaned file %s: %v", location, err)
		}
		return
	}
	delete(s.tasks, taskID)
	req := task.req

	s.store.Insert(models.ContentStorage{
		ContentID:   req.ContentID,
		Title:       req.ContentTitle,
		Format:      req.ContentFormat,
		PosterImage: req.PosterImage,
	}, models.EpisodeStorage{
		Number:    req.Episode.Number,
		Title:     req.Episode.Title,
		Thumbnail: req.Episode.Thumbnail,
		IsFiller:  req.Episode.IsFiller,
		Location:  location,
	})

	s.notifyLocked()
	s.mu.Unlock()

	log.Printf("[downloads] task %d downloaded to %s", taskID, location)
}

// Failed implements TransferEvents. The entry stays in the registry with a
// Failed status so observers can offer a retry.
func (s *Service) Failed(taskID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.status.State.Terminal() {
		return
	}
	task.status = models.Failed(err.Error())
	s.notifyLocked()
}

// Retry resets every matching failed or stalled live task to Pending and
// resumes the underlying transfer. No matching live task is a no-op.
func (s *Service) Retry(contentID, episodeNumber int) {
	s.mu.Lock()
	session := s.session
	var ids []int64
	for id, task := range s.tasks {
		if task.req.ContentID == contentID && task.req.Episode.Number == episodeNumber {
			task.status = models.Pending()
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		s.notifyLocked()
	}
	s.mu.Unlock()

	for _, id := range ids {
		session.Resume(id)
	}
}

// Cancel removes matching live tasks from the registry before cancelling the
// underlying transfers, so a late callback can never resurrect them.
// Idempotent: cancelling an absent task is a no-op.
func (s *Service) Cancel(contentID, episodeNumber int) {
	s.mu.Lock()
	session := s.session
	var ids []int64
	for id, task := range s.tasks {
		if task.req.ContentID == contentID && task.req.Episode.Number == episodeNumber {
			delete(s.tasks, id)
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		s.notifyLocked()
	}
	s.mu.Unlock()

	for _, id := range ids {
		session.Cancel(id)
	}
}

// Delete removes a completed download from the catalog and deletes its file.
func (s *Service) Delete(contentID, episodeNumber int) {
	location, ok := s.store.Remove(contentID, episodeNumber)
	if !ok {
		return
	}
	if err := s.fs.Remove(location); err != nil {
		log.Printf("[downloads] remove %s: %v", location, err)
	}

	s.mu.Lock()
	s.notifyLocked()
	s.mu.Unlock()
}

// Reset deletes every stored file and clears the whole catalog.
func (s *Service) Reset() {
	for _, location := range s.store.Clear() {
		if err := s.fs.Remove(location); err != nil {
			log.Printf("[downloads] remove %s: %v", location, err)
		}
	}

	s.mu.Lock()
	s.notifyLocked()
	s.mu.Unlock()
}

// Snapshot returns the merged view of persisted and live downloads,
// optionally filtered to one content item.
func (s *Service) Snapshot(contentID *int) []models.DownloadView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(contentID)
}

// CountNow returns the number of live tasks in Pending or Downloading.
func (s *Service) CountNow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

// Resolve normalizes an episode to the source playback should use: the
// stored file when the episode is downloaded, the live transfer when one is
// in flight, otherwise the network stream URL the caller supplied.
func (s *Service) Resolve(contentID int, info models.EpisodeInfo, streamURL string) models.EpisodeSource {
	s.mu.Lock()
	defer s.mu.Unlock()

	if content, ok := s.store.Entry(contentID); ok {
		if stored, ok := content.Episode(info.Number); ok {
			return models.DownloadedEpisode(stored)
		}
	}
	for _, task := range s.tasks {
		if task.req.ContentID == contentID && task.req.Episode.Number == info.Number {
			return models.DownloadingEpisode(task.req.Episode, task.status.Progress)
		}
	}
	return models.NetworkEpisode(info, streamURL)
}

// Observe streams merged snapshots to the caller. A fresh snapshot is
// delivered immediately and again after every state change, in the order
// changes occurred (intermediate snapshots may be coalesced under
// backpressure, never reordered). The returned func unsubscribes.
func (s *Service) Observe(contentID *int) (<-chan []models.DownloadView, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan []models.DownloadView, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	sub := &subscriber{ch: ch, contentID: contentID}
	s.subs[id] = sub
	offer(ch, s.snapshotLocked(contentID))

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing.ch)
		}
	}
}

// Count streams the live Pending+Downloading task count.
func (s *Service) Count() (<-chan int, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan int, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.countSub[id] = ch
	offer(ch, s.countLocked())

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.countSub[id]; ok {
			delete(s.countSub, id)
			close(existing)
		}
	}
}

// Shutdown closes every observer stream and stops accepting downloads. The
// transfer session is closed by the caller that owns it.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
	for id, ch := range s.countSub {
		close(ch)
		delete(s.countSub, id)
	}
}

func (s *Service) notifyLocked() {
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		offer(sub.ch, s.snapshotLocked(sub.contentID))
	}
	if len(s.countSub) > 0 {
		count := s.countLocked()
		for _, ch := range s.countSub {
			offer(ch, count)
		}
	}
}

// offer delivers the newest value, displacing a stale undelivered one so a
// slow observer sees the latest state instead of blocking the registry.
func offer[T any](ch chan T, value T) {
	for {
		select {
		case ch <- value:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (s *Service) countLocked() int {
	count := 0
	for _, task := range s.tasks {
		if task.status.State == models.StatePending || task.status.State == models.StateDownloading {
			count++
		}
	}
	return count
}

// snapshotLocked merges catalog entries with live registry entries, joined
// by content id.
func (s *Service) snapshotLocked(filterContentID *int) []models.DownloadView {
	views := make(map[int]*models.DownloadView)

	for _, content := range s.store.Entries() {
		view := &models.DownloadView{
			ContentID:   content.ContentID,
			Title:       content.Title,
			Format:      content.Format,
			PosterImage: content.PosterImage,
		}
		for _, ep := range content.Episodes {
			view.Episodes = append(view.Episodes, models.EpisodeView{
				EpisodeInfo: models.EpisodeInfo{
					Number:    ep.Number,
					Title:     ep.Title,
					Thumbnail: ep.Thumbnail,
					IsFiller:  ep.IsFiller,
				},
				Status: models.Downloaded(ep.Location),
			})
		}
		views[content.ContentID] = view
	}

	for _, task := range s.tasks {
		view, ok := views[task.req.ContentID]
		if !ok {
			view = &models.DownloadView{
				ContentID:   task.req.ContentID,
				Title:       task.req.ContentTitle,
				Format:      task.req.ContentFormat,
				PosterImage: task.req.PosterImage,
			}
			views[task.req.ContentID] = view
		}
		view.Episodes = append(view.Episodes, models.EpisodeView{
			EpisodeInfo: task.req.Episode,
			Status:      task.status,
		})
	}

	out := make([]models.DownloadView, 0, len(views))
	for _, view := range views {
		if filterContentID != nil && view.ContentID != *filterContentID {
			continue
		}
		sort.Slice(view.Episodes, func(i, j int) bool {
			return view.Episodes[i].Number < view.Episodes[j].Number
		})
		out = append(out, *view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentID < out[j].ContentID })
	return out
}
