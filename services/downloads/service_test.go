package downloads

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anistream/models"
	"anistream/services/catalog"
)

// fakeSession records submit/resume/cancel calls; tests drive the event
// callbacks on the service directly, the way a real transfer session would.
type fakeSession struct {
	mu        sync.Mutex
	nextID    int64
	submitted map[int64]models.DownloadRequest
	resumed   []int64
	cancelled []int64
}

func newFakeSession() *fakeSession {
	return &fakeSession{submitted: make(map[int64]models.DownloadRequest)}
}

func (f *fakeSession) Submit(req models.DownloadRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.submitted[f.nextID] = req
	return f.nextID, nil
}

func (f *fakeSession) Resume(taskID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, taskID)
}

func (f *fakeSession) Cancel(taskID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
}

func (f *fakeSession) Close() {}

func newTestService(t *testing.T) (*Service, *fakeSession, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := catalog.NewStore(fs, "data")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	svc := NewService(fs, store)
	session := newFakeSession()
	svc.SetSession(session)
	t.Cleanup(svc.Shutdown)
	return svc, session, fs
}

func request(contentID, episode int) models.DownloadRequest {
	return models.DownloadRequest{
		ContentID:    contentID,
		ContentTitle: "Show",
		Episode:      models.EpisodeInfo{Number: episode, Title: fmt.Sprintf("Episode %d", episode)},
		SourceURL:    "https://cdn.example.com/ep.mp4",
	}
}

func episodeStatus(t *testing.T, svc *Service, contentID, episode int) models.DownloadStatus {
	t.Helper()
	for _, view := range svc.Snapshot(&contentID) {
		for _, ep := range view.Episodes {
			if ep.Number == episode {
				return ep.Status
			}
		}
	}
	t.Fatalf("no view for content=%d episode=%d", contentID, episode)
	return models.DownloadStatus{}
}

func waitForState(t *testing.T, svc *Service, contentID, episode int, want models.DownloadState) models.DownloadStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status := episodeStatus(t, svc, contentID, episode)
		if status.State == want {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("content=%d episode=%d never reached %v", contentID, episode, want)
	return models.DownloadStatus{}
}

func TestRetryAfterTransferFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "flaky origin", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("episode payload"))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	store, err := catalog.NewStore(fs, "data")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	svc := NewService(fs, store)
	t.Cleanup(svc.Shutdown)
	session, err := NewHTTPTransferSession(fs, "dl", 1, svc)
	require.NoError(t, err)
	t.Cleanup(session.Close)
	svc.SetSession(session)

	req := request(3, 9)
	req.SourceURL = srv.URL
	require.NoError(t, svc.Download(req))

	waitForState(t, svc, 3, 9, models.StateFailed)

	svc.Retry(3, 9)
	status := waitForState(t, svc, 3, 9, models.StateDownloaded)
	assert.EqualValues(t, 2, hits.Load(), "retry must start a second transfer")

	data, readErr := afero.ReadFile(fs, status.Location)
	require.NoError(t, readErr)
	assert.Equal(t, "episode payload", string(data))
}

func TestDownloadLifecycle(t *testing.T) {
	svc, session, _ := newTestService(t)

	require.NoError(t, svc.Download(request(1, 2)))
	require.Len(t, session.resumed, 1)
	assert.Equal(t, models.StatePending, episodeStatus(t, svc, 1, 2).State)

	// Last-write-wins: 0.05 after 0.1 sticks, no monotonic clamp.
	svc.Progress(1, 0.1)
	assert.Equal(t, 0.1, episodeStatus(t, svc, 1, 2).Progress)
	svc.Progress(1, 0.05)
	assert.Equal(t, 0.05, episodeStatus(t, svc, 1, 2).Progress)

	svc.Completed(1, "/dl/1-2.mp4")

	assert.Equal(t, 0, svc.CountNow(), "live registry must be empty after completion")

	status := episodeStatus(t, svc, 1, 2)
	assert.Equal(t, models.StateDownloaded, status.State)
	assert.Equal(t, "/dl/1-2.mp4", status.Location)
}

func TestProgressClamped(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.Download(request(1, 1)))

	svc.Progress(1, 1.7)
	assert.Equal(t, 1.0, episodeStatus(t, svc, 1, 1).Progress)
	svc.Progress(1, -0.3)
	assert.Equal(t, 0.0, episodeStatus(t, svc, 1, 1).Progress)
}

func TestCancelThenLateCallback(t *testing.T) {
	svc, session, fs := newTestService(t)

	require.NoError(t, svc.Download(request(1, 2)))
	svc.Cancel(1, 2)
	require.Equal(t, []int64{1}, session.cancelled)

	// Late callbacks for the evicted id must not resurrect state; the
	// delivered file is discarded rather than adopted.
	require.NoError(t, afero.WriteFile(fs, "/dl/late.mp4", []byte("data"), 0o644))
	svc.Progress(1, 0.9)
	svc.Completed(1, "/dl/late.mp4")

	assert.Empty(t, svc.Snapshot(nil), "registry and catalog must stay empty")
	exists, _ := afero.Exists(fs, "/dl/late.mp4")
	assert.False(t, exists, "orphaned file should be deleted")

	// Cancelling again is a no-op, not an error.
	svc.Cancel(1, 2)
}

func TestFailedKeptForRetry(t *testing.T) {
	svc, session, _ := newTestService(t)

	require.NoError(t, svc.Download(request(1, 2)))
	svc.Failed(1, errors.New("socket closed"))

	status := episodeStatus(t, svc, 1, 2)
	assert.Equal(t, models.StateFailed, status.State)
	assert.Equal(t, "socket closed", status.Reason)
	assert.Equal(t, 0, svc.CountNow())

	svc.Retry(1, 2)
	assert.Equal(t, models.StatePending, episodeStatus(t, svc, 1, 2).State)
	assert.Equal(t, []int64{1, 1}, session.resumed, "retry must resume the transfer")

	// Retry with no matching live task is a no-op.
	svc.Retry(9, 9)
	assert.Len(t, session.resumed, 2)
}

func TestTerminalStateRejectsLateEvents(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.Download(request(1, 2)))

	svc.Failed(1, errors.New("boom"))
	svc.Progress(1, 0.5)
	assert.Equal(t, models.StateFailed, episodeStatus(t, svc, 1, 2).State,
		"no Downloading event may follow a terminal one for the same id")
}

func TestDeleteEmptiesParent(t *testing.T) {
	svc, _, fs := newTestService(t)

	require.NoError(t, svc.Download(request(1, 1)))
	require.NoError(t, svc.Download(request(1, 2)))
	require.NoError(t, afero.WriteFile(fs, "/dl/1-1.mp4", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/dl/1-2.mp4", []byte("b"), 0o644))
	svc.Completed(1, "/dl/1-1.mp4")
	svc.Completed(2, "/dl/1-2.mp4")

	svc.Delete(1, 1)
	views := svc.Snapshot(nil)
	require.Len(t, views, 1)
	assert.Len(t, views[0].Episodes, 1, "content with a remaining episode survives")
	exists, _ := afero.Exists(fs, "/dl/1-1.mp4")
	assert.False(t, exists)

	svc.Delete(1, 2)
	assert.Empty(t, svc.Snapshot(nil), "deleting the last episode evicts the content entry")
}

func TestReset(t *testing.T) {
	svc, _, fs := newTestService(t)

	for ep := 1; ep <= 3; ep++ {
		require.NoError(t, svc.Download(request(1, ep)))
		location := fmt.Sprintf("/dl/1-%d.mp4", ep)
		require.NoError(t, afero.WriteFile(fs, location, []byte("x"), 0o644))
		svc.Completed(int64(ep), location)
	}

	svc.Reset()
	assert.Empty(t, svc.Snapshot(nil))
	for ep := 1; ep <= 3; ep++ {
		exists, _ := afero.Exists(fs, fmt.Sprintf("/dl/1-%d.mp4", ep))
		assert.False(t, exists)
	}
}

func TestResolve(t *testing.T) {
	svc, _, fs := newTestService(t)
	info := models.EpisodeInfo{Number: 4, Title: "Episode 4"}

	src := svc.Resolve(1, info, "https://cdn.example.com/ep4.mpd")
	assert.Equal(t, models.SourceNetwork, src.Kind)
	assert.Equal(t, "https://cdn.example.com/ep4.mpd", src.StreamURL)

	require.NoError(t, svc.Download(request(1, 4)))
	svc.Progress(1, 0.25)
	src = svc.Resolve(1, info, "https://cdn.example.com/ep4.mpd")
	assert.Equal(t, models.SourceDownloading, src.Kind)
	assert.Equal(t, 0.25, src.Progress)

	require.NoError(t, afero.WriteFile(fs, "/dl/1-4.mp4", []byte("x"), 0o644))
	svc.Completed(1, "/dl/1-4.mp4")
	src = svc.Resolve(1, info, "https://cdn.example.com/ep4.mpd")
	assert.Equal(t, models.SourceDownloaded, src.Kind)
	assert.Equal(t, "/dl/1-4.mp4", src.Location)
	assert.Empty(t, src.StreamURL, "a downloaded episode never falls back to the network")
}

func TestObserve(t *testing.T) {
	svc, _, _ := newTestService(t)

	stream, unsubscribe := svc.Observe(nil)
	defer unsubscribe()

	initial := <-stream
	assert.Empty(t, initial)

	require.NoError(t, svc.Download(request(7, 1)))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-stream:
			if len(snapshot) == 1 && snapshot[0].ContentID == 7 {
				return
			}
		case <-deadline:
			t.Fatal("snapshot with the new download never arrived")
		}
	}
}

func TestObserveFiltered(t *testing.T) {
	svc, _, _ := newTestService(t)

	require.NoError(t, svc.Download(request(1, 1)))
	require.NoError(t, svc.Download(request(2, 1)))

	want := 2
	stream, unsubscribe := svc.Observe(&want)
	defer unsubscribe()

	snapshot := <-stream
	require.Len(t, snapshot, 1)
	assert.Equal(t, 2, snapshot[0].ContentID)
}

func TestCountStream(t *testing.T) {
	svc, _, _ := newTestService(t)

	counts, unsubscribe := svc.Count()
	defer unsubscribe()
	assert.Equal(t, 0, <-counts)

	require.NoError(t, svc.Download(request(1, 1)))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-counts:
			if n == 1 {
				return
			}
		case <-deadline:
			t.Fatal("count never reached 1")
		}
	}
}

func TestConcurrentCallbacks(t *testing.T) {
	svc, _, fs := newTestService(t)

	const n = 100
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		require.NoError(t, svc.Download(request(i, 1)))
		ids = append(ids, int64(i+1))
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			svc.Progress(id, 0.5)
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		location := fmt.Sprintf("/dl/%d-1.mp4", i)
		require.NoError(t, afero.WriteFile(fs, location, []byte("x"), 0o644))
		wg.Add(1)
		go func(id int64, location string) {
			defer wg.Done()
			svc.Completed(id, location)
		}(id, location)
	}
	wg.Wait()

	assert.Equal(t, 0, svc.CountNow(), "no live entries may remain")

	views := svc.Snapshot(nil)
	require.Len(t, views, n, "exactly one catalog entry per completed task")
	for _, view := range views {
		require.Len(t, view.Episodes, 1)
		assert.Equal(t, models.StateDownloaded, view.Episodes[0].Status.State)
	}
}

func TestShutdownClosesStreams(t *testing.T) {
	svc, _, _ := newTestService(t)

	stream, _ := svc.Observe(nil)
	counts, _ := svc.Count()
	<-stream
	<-counts

	svc.Shutdown()

	_, open := <-stream
	assert.False(t, open, "observe stream must close on shutdown")
	_, open = <-counts
	assert.False(t, open, "count stream must close on shutdown")

	assert.Error(t, svc.Download(request(1, 1)))
}
