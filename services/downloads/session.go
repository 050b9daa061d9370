package downloads

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"anistream/models"
)

// TransferEvents receives transfer callbacks. Implementations must tolerate
// delivery from arbitrary background goroutines.
type TransferEvents interface {
	Progress(taskID int64, fraction float64)
	Completed(taskID int64, location string)
	Failed(taskID int64, err error)
}

// TransferSession is the underlying download transport. Submit registers a
// request and assigns the opaque task id; Resume starts or restarts the
// transfer; Cancel stops it. Events are reported to the sink passed at
// construction.
type TransferSession interface {
	Submit(req models.DownloadRequest) (int64, error)
	Resume(taskID int64)
	Cancel(taskID int64)
	Close()
}

const progressInterval = 500 * time.Millisecond

// HTTPTransferSession downloads episode files over plain HTTPS into a
// directory on the provided filesystem.
type HTTPTransferSession struct {
	fs     afero.Fs
	dir    string
	client *http.Client
	sink   TransferEvents
	sem    chan struct{}

	nextID atomic.Int64

	mu        sync.Mutex
	transfers map[int64]*transfer
	wg        sync.WaitGroup
}

type transfer struct {
	req     models.DownloadRequest
	cancel  context.CancelFunc
	running bool
}

// NewHTTPTransferSession creates a session writing into dir with at most
// maxConcurrent transfers in flight.
func NewHTTPTransferSession(fs afero.Fs, dir string, maxConcurrent int, sink TransferEvents) (*HTTPTransferSession, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &HTTPTransferSession{
		fs:        fs,
		dir:       dir,
		client:    &http.Client{},
		sink:      sink,
		sem:       make(chan struct{}, maxConcurrent),
		transfers: make(map[int64]*transfer),
	}, nil
}

func (s *HTTPTransferSession) Submit(req models.DownloadRequest) (int64, error) {
	if req.SourceURL == "" {
		return 0, fmt.Errorf("download request missing source URL")
	}
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.transfers[id] = &transfer{req: req}
	s.mu.Unlock()
	return id, nil
}

func (s *HTTPTransferSession) Resume(taskID int64) {
	s.mu.Lock()
	tr, ok := s.transfers[taskID]
	if !ok || tr.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	tr.cancel = cancel
	tr.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, taskID, tr.req)
	}()
}

func (s *HTTPTransferSession) Cancel(taskID int64) {
	s.mu.Lock()
	tr, ok := s.transfers[taskID]
	if ok {
		delete(s.transfers, taskID)
	}
	s.mu.Unlock()
	if ok && tr.cancel != nil {
		tr.cancel()
	}
}

// Close cancels everything in flight and waits for the workers to exit.
func (s *HTTPTransferSession) Close() {
	s.mu.Lock()
	for id, tr := range s.transfers {
		if tr.cancel != nil {
			tr.cancel()
		}
		delete(s.transfers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *HTTPTransferSession) run(ctx context.Context, taskID int64, req models.DownloadRequest) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}

	location, err := s.fetch(ctx, taskID, req)
	if ctx.Err() != nil {
		// Cancelled: the task was already evicted, nobody is listening.
		return
	}

	s.mu.Lock()
	if tr, ok := s.transfers[taskID]; ok {
		if err != nil {
			// Keep the entry so Resume can restart the transfer after
			// the registry marks it Failed.
			tr.running = false
			tr.cancel = nil
		} else {
			delete(s.transfers, taskID)
		}
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("[downloads] transfer %d failed: %v", taskID, err)
		s.sink.Failed(taskID, err)
		return
	}
	s.sink.Completed(taskID, location)
}

func (s *HTTPTransferSession) fetch(ctx context.Context, taskID int64, req models.DownloadRequest) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.SourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("fetch episode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch episode: %s", resp.Status)
	}

	partial := filepath.Join(s.dir, fmt.Sprintf("%d-%d.part", req.ContentID, req.Episode.Number))
	out, err := s.fs.Create(partial)
	if err != nil {
		return "", fmt.Errorf("create partial file: %w", err)
	}

	total := resp.ContentLength
	var written int64
	var lastReport time.Time
	buf := make([]byte, 128*1024)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				_ = s.fs.Remove(partial)
				return "", fmt.Errorf("write partial file: %w", writeErr)
			}
			written += int64(n)
			if total > 0 && time.Since(lastReport) >= progressInterval {
				s.sink.Progress(taskID, float64(written)/float64(total))
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			_ = s.fs.Remove(partial)
			return "", fmt.Errorf("read episode body: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		_ = s.fs.Remove(partial)
		return "", fmt.Errorf("close partial file: %w", err)
	}

	final := filepath.Join(s.dir, fmt.Sprintf("%d-%d%s", req.ContentID, req.Episode.Number, s.sniffExtension(partial)))
	if err := s.fs.Rename(partial, final); err != nil {
		_ = s.fs.Remove(partial)
		return "", fmt.Errorf("finalize download: %w", err)
	}

	return final, nil
}

// sniffExtension detects the container from the file head; falls back to
// .mp4 when detection is inconclusive.
func (s *HTTPTransferSession) sniffExtension(path string) string {
	f, err := s.fs.Open(path)
	if err != nil {
		return ".mp4"
	}
	defer f.Close()

	head := make([]byte, 3072)
	n, _ := io.ReadFull(f, head)
	if n == 0 {
		return ".mp4"
	}

	if ext := mimetype.Detect(head[:n]).Extension(); ext != "" {
		return ext
	}
	return ".mp4"
}
