// Package loader intercepts the player's custom-scheme resource requests and
// answers them with synthesized HLS playlists or redirects to origin.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/acomagu/bufpipe"
	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"anistream/services/manifest"
	"anistream/services/playlist"
	"anistream/utils/urlutil"
)

const (
	// SchemeRedirect marks requests that are rewritten back to https and
	// answered with a redirect: raw segments flow origin-to-player without
	// passing through this process.
	SchemeRedirect = "anistream"
	// SchemeManifest marks the DASH manifest proxy root; the first request
	// on a session always lands here and is answered with the synthesized
	// master playlist.
	SchemeManifest = "anistream-mpd"

	masterStem = "master"

	// workers per loader; fetch and parse run here, off the player's
	// control thread.
	loaderWorkers = 4
)

var (
	ErrUnhandledScheme = errors.New("request scheme not handled by loader")
	ErrSessionNotFound = errors.New("playback session not found")
	errManifestStatus  = errors.New("manifest request failed")
)

// Response is the outcome of a handled resource request: either inline
// playlist bytes or a redirect target, never both.
type Response struct {
	Data        []byte
	ContentType string
	RedirectURL string
}

// Options configures a playback session loader.
type Options struct {
	MaxVideoBandwidth int
	FetchAttempts     int
	Client            *http.Client
}

// Loader serves one playback session. It fetches and parses the session's
// MPD once, caches the model for the session lifetime, and synthesizes
// playlists on demand. Requests are dispatched on the session's own worker
// pool so network and parse work never runs on the caller's thread.
type Loader struct {
	ID          string
	manifestURL string
	opts        Options
	parser      *manifest.Parser
	workers     *pool.Pool

	mu    sync.Mutex
	model *manifest.Model

	// closeMu guards closed separately from mu: Go may block on a busy
	// pool whose workers hold mu inside Model.
	closeMu sync.Mutex
	closed  bool
}

// NewLoader creates the loader for one playback session rooted at the given
// MPD URL (either https or the custom manifest scheme).
func NewLoader(manifestURL string, opts Options) *Loader {
	if opts.FetchAttempts <= 0 {
		opts.FetchAttempts = 3
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return &Loader{
		ID:          uuid.NewString(),
		manifestURL: manifestURL,
		opts:        opts,
		parser:      manifest.NewParser(),
		workers:     pool.New().WithMaxGoroutines(loaderWorkers),
	}
}

// ShouldHandle reports whether the request URL belongs to this loader.
func (l *Loader) ShouldHandle(u *url.URL) bool {
	return u.Scheme == SchemeRedirect || u.Scheme == SchemeManifest
}

type result struct {
	resp Response
	err  error
}

// Load resolves one resource request on the loader's worker pool. Every
// request completes or fails; an error is local to this request and leaves
// the loader and its cached manifest intact.
func (l *Loader) Load(ctx context.Context, u *url.URL) (Response, error) {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return Response{}, ErrSessionNotFound
	}
	ch := make(chan result, 1)
	l.workers.Go(func() {
		resp, err := l.dispatch(ctx, u)
		ch <- result{resp: resp, err: err}
	})
	l.closeMu.Unlock()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (l *Loader) dispatch(ctx context.Context, u *url.URL) (Response, error) {
	if !l.ShouldHandle(u) {
		return Response{}, fmt.Errorf("%w: %q", ErrUnhandledScheme, u.Scheme)
	}

	// Raw media segments are delegated back to origin: redirect, never
	// buffer segment bytes through this process.
	if urlutil.HasExtension(u, ".ts") {
		return redirectResponse(u), nil
	}

	if strings.Contains(u.String(), "m3u8") {
		return l.servePlaylist(ctx, u)
	}

	if u.Scheme == SchemeManifest {
		model, err := l.Model(ctx)
		if err != nil {
			return Response{}, err
		}
		return l.master(model)
	}

	// Generic passthrough for anything else on the redirect scheme.
	return redirectResponse(u), nil
}

func (l *Loader) servePlaylist(ctx context.Context, u *url.URL) (Response, error) {
	model, err := l.Model(ctx)
	if err != nil {
		return Response{}, err
	}

	stem := urlutil.FileStem(u)
	if stem == "" || stem == masterStem {
		return l.master(model)
	}

	text, err := playlist.SynthesizeMedia(model, stem)
	if err != nil {
		return Response{}, fmt.Errorf("media playlist %q: %w", stem, err)
	}
	return playlistResponse(text), nil
}

func (l *Loader) master(model *manifest.Model) (Response, error) {
	text, err := playlist.SynthesizeMaster(model, l.opts.MaxVideoBandwidth)
	if err != nil {
		return Response{}, fmt.Errorf("master playlist: %w", err)
	}
	return playlistResponse(text), nil
}

// Model returns the session's parsed manifest, fetching and parsing it on
// first use. A failed fetch never evicts a previously cached model.
func (l *Loader) Model(ctx context.Context) (*manifest.Model, error) {
	l.mu.Lock()
	if l.model != nil {
		defer l.mu.Unlock()
		return l.model, nil
	}
	l.mu.Unlock()

	model, err := l.fetchModel(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model == nil {
		l.model = model
	}
	return l.model, nil
}

func (l *Loader) fetchModel(ctx context.Context) (*manifest.Model, error) {
	target, err := url.Parse(urlutil.EncodeSpaces(l.manifestURL))
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}
	if target.Scheme == SchemeManifest || target.Scheme == SchemeRedirect {
		target = urlutil.RewriteScheme(target, "https")
	}

	var model *manifest.Model
	err = retry.Do(
		func() error {
			m, ferr := l.fetchOnce(ctx, target.String())
			if ferr != nil {
				return ferr
			}
			model = m
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(l.opts.FetchAttempts)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Printf("[loader] session %s: manifest fetch attempt %d failed: %v", l.ID, attempt+1, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return model, nil
}

// fetchOnce streams the MPD body straight into the parser through a pipe so
// parsing starts before the body finishes arriving. Parse failures are
// unrecoverable: retrying a well-delivered but malformed document is wasted
// work.
func (l *Loader) fetchOnce(ctx context.Context, target string) (*manifest.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("build manifest request: %w", err))
	}

	resp, err := l.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s", errManifestStatus, resp.Status)
	}

	pr, pw := bufpipe.New(nil)
	go func() {
		_, copyErr := io.Copy(pw, resp.Body)
		pw.CloseWithError(copyErr)
	}()

	model, err := l.parser.Parse(pr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Unrecoverable(fmt.Errorf("parse manifest: %w", err))
	}
	return model, nil
}

// Close rejects further requests and waits for in-flight ones. A caller
// holding a stale *Loader gets ErrSessionNotFound from Load instead of
// submitting to a drained pool.
func (l *Loader) Close() {
	l.closeMu.Lock()
	l.closed = true
	l.closeMu.Unlock()
	l.workers.Wait()
}

func redirectResponse(u *url.URL) Response {
	return Response{RedirectURL: urlutil.RewriteScheme(u, "https").String()}
}

func playlistResponse(text string) Response {
	return Response{
		Data:        []byte(text),
		ContentType: "application/vnd.apple.mpegurl",
	}
}
