// Package catalog persists the set of completed downloads as a single JSON
// blob. The blob is the source of truth for what is downloaded and is
// rewritten wholesale after every mutation.
package catalog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"anistream/models"
)

const fileName = "catalog.json"

// Store holds the downloaded-content catalog in memory and mirrors every
// mutation to disk. All writes are serialized through a single goroutine so
// racing completion callbacks can never interleave file writes.
type Store struct {
	mu      sync.RWMutex
	fs      afero.Fs
	path    string
	entries map[int]models.ContentStorage

	writes    chan []models.ContentStorage
	writerWG  sync.WaitGroup
	closeOnce sync.Once
}

// NewStore loads the catalog from dir (creating it if needed). A missing or
// corrupt blob starts the store empty rather than failing: the app must stay
// usable without persisted state.
func NewStore(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	s := &Store{
		fs:      fs,
		path:    filepath.Join(dir, fileName),
		entries: make(map[int]models.ContentStorage),
		writes:  make(chan []models.ContentStorage, 16),
	}
	s.load()

	s.writerWG.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Store) load() {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[catalog] read catalog file %s: %v", s.path, err)
		}
		return
	}
	var stored []models.ContentStorage
	if err := json.Unmarshal(data, &stored); err != nil {
		log.Printf("[catalog] ignoring corrupt catalog file %s: %v", s.path, err)
		return
	}
	for _, content := range stored {
		s.entries[content.ContentID] = content
	}
}

func (s *Store) writeLoop() {
	defer s.writerWG.Done()
	for snapshot := range s.writes {
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			log.Printf("[catalog] marshal catalog: %v", err)
			continue
		}
		tmp := s.path + ".tmp"
		if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
			log.Printf("[catalog] write catalog: %v", err)
			continue
		}
		if err := s.fs.Rename(tmp, s.path); err != nil {
			log.Printf("[catalog] replace catalog: %v", err)
		}
	}
}

// sync enqueues a rewrite of the whole blob. Must be called with s.mu held.
func (s *Store) syncLocked() {
	s.writes <- s.snapshotLocked()
}

func (s *Store) snapshotLocked() []models.ContentStorage {
	out := make([]models.ContentStorage, 0, len(s.entries))
	for _, content := range s.entries {
		episodes := append([]models.EpisodeStorage(nil), content.Episodes...)
		sort.Slice(episodes, func(i, j int) bool { return episodes[i].Number < episodes[j].Number })
		content.Episodes = episodes
		out = append(out, content)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentID < out[j].ContentID })
	return out
}

// Entries returns a deep-enough copy of the catalog sorted by content id.
func (s *Store) Entries() []models.ContentStorage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Entry returns the stored content item, if any.
func (s *Store) Entry(contentID int) (models.ContentStorage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.entries[contentID]
	if !ok {
		return models.ContentStorage{}, false
	}
	content.Episodes = append([]models.EpisodeStorage(nil), content.Episodes...)
	return content, true
}

// Insert adds or replaces an episode under its content item, keyed by
// (contentID, episode number), and resyncs the blob.
func (s *Store) Insert(content models.ContentStorage, episode models.EpisodeStorage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[content.ContentID]
	if !ok {
		existing = models.ContentStorage{
			ContentID:   content.ContentID,
			Title:       content.Title,
			Format:      content.Format,
			PosterImage: content.PosterImage,
		}
	}

	replaced := false
	for i, ep := range existing.Episodes {
		if ep.Number == episode.Number {
			existing.Episodes[i] = episode
			replaced = true
			break
		}
	}
	if !replaced {
		existing.Episodes = append(existing.Episodes, episode)
	}

	s.entries[content.ContentID] = existing
	s.syncLocked()
}

// Remove deletes the episode from its content item and resyncs. Removing the
// last episode evicts the whole content entry. The stored terminal location
// is returned so the caller can delete the file.
func (s *Store) Remove(contentID, episodeNumber int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, ok := s.entries[contentID]
	if !ok {
		return "", false
	}

	for i, ep := range content.Episodes {
		if ep.Number != episodeNumber {
			continue
		}
		content.Episodes = append(content.Episodes[:i], content.Episodes[i+1:]...)
		if len(content.Episodes) == 0 {
			delete(s.entries, contentID)
		} else {
			s.entries[contentID] = content
		}
		s.syncLocked()
		return ep.Location, true
	}

	return "", false
}

// Clear empties the whole catalog and resyncs, returning every terminal
// location that was stored.
func (s *Store) Clear() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locations []string
	for _, content := range s.entries {
		for _, ep := range content.Episodes {
			locations = append(locations, ep.Location)
		}
	}
	s.entries = make(map[int]models.ContentStorage)
	s.syncLocked()
	return locations
}

// Close drains pending writes and stops the writer.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.writes)
		s.writerWG.Wait()
	})
}
