package downloads

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink collects transfer events for assertions.
type recordingSink struct {
	mu        sync.Mutex
	progress  []float64
	completed []string
	failed    []error
	done      chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{}, 8)}
}

func (r *recordingSink) Progress(taskID int64, fraction float64) {
	r.mu.Lock()
	r.progress = append(r.progress, fraction)
	r.mu.Unlock()
}

func (r *recordingSink) Completed(taskID int64, location string) {
	r.mu.Lock()
	r.completed = append(r.completed, location)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingSink) Failed(taskID int64, err error) {
	r.mu.Lock()
	r.failed = append(r.failed, err)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingSink) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal transfer event delivered")
	}
}

func TestSessionSubmitRequiresURL(t *testing.T) {
	sink := newRecordingSink()
	session, err := NewHTTPTransferSession(afero.NewMemMapFs(), "dl", 2, sink)
	require.NoError(t, err)
	defer session.Close()

	_, err = session.Submit(request(1, 1))
	require.NoError(t, err)

	bad := request(1, 2)
	bad.SourceURL = ""
	_, err = session.Submit(bad)
	assert.Error(t, err)
}

func TestSessionDownloadsAndFinalizes(t *testing.T) {
	body := strings.Repeat("episode payload ", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	sink := newRecordingSink()
	session, err := NewHTTPTransferSession(fs, "dl", 2, sink)
	require.NoError(t, err)
	defer session.Close()

	req := request(7, 3)
	req.SourceURL = srv.URL + "/ep3"
	id, err := session.Submit(req)
	require.NoError(t, err)
	session.Resume(id)

	sink.waitTerminal(t)
	require.Len(t, sink.completed, 1)
	assert.Empty(t, sink.failed)

	location := sink.completed[0]
	assert.True(t, strings.HasPrefix(location, "dl/7-3"), "terminal location %q keyed by content and episode", location)

	data, err := afero.ReadFile(fs, location)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	exists, _ := afero.Exists(fs, "dl/7-3.part")
	assert.False(t, exists, "partial file renamed away on completion")
}

func TestSessionReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	sink := newRecordingSink()
	session, err := NewHTTPTransferSession(afero.NewMemMapFs(), "dl", 1, sink)
	require.NoError(t, err)
	defer session.Close()

	req := request(1, 1)
	req.SourceURL = srv.URL
	id, err := session.Submit(req)
	require.NoError(t, err)
	session.Resume(id)

	sink.waitTerminal(t)
	require.Len(t, sink.failed, 1)
	assert.Empty(t, sink.completed)
}

func TestSessionResumeRestartsFailedTransfer(t *testing.T) {
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
	sink := newRecordingSink()
	session, err := NewHTTPTransferSession(fs, "dl", 1, sink)
	require.NoError(t, err)
	defer session.Close()

	req := request(2, 5)
	req.SourceURL = srv.URL
	id, err := session.Submit(req)
	require.NoError(t, err)
	session.Resume(id)

	sink.waitTerminal(t)
	require.Len(t, sink.failed, 1)

	session.Resume(id)
	sink.waitTerminal(t)
	require.Len(t, sink.completed, 1, "a failed transfer must be restartable")
	assert.EqualValues(t, 2, hits.Load())

	data, err := afero.ReadFile(fs, sink.completed[0])
	require.NoError(t, err)
	assert.Equal(t, "episode payload", string(data))
}

func TestSessionCancelSuppressesCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	sink := newRecordingSink()
	session, err := NewHTTPTransferSession(afero.NewMemMapFs(), "dl", 1, sink)
	require.NoError(t, err)

	req := request(1, 1)
	req.SourceURL = srv.URL
	id, err := session.Submit(req)
	require.NoError(t, err)
	session.Resume(id)

	session.Cancel(id)
	session.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.completed, "cancelled transfer must not report completion")
	assert.Empty(t, sink.failed, "cancelled transfer must not report failure")
}
