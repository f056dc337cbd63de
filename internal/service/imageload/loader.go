// Package imageload resolves image placeholders in the background.
//
// Every placeholder gets one task: wait a short delay, probe the URL, then hand the
// replacement markup to a resolve callback that checks the placeholder still exists.
// Tasks are unordered and end early when their context is cancelled.
package imageload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/h2non/filetype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/hookchat/internal/config"
	"github.com/zhouzirui/hookchat/internal/logger"
	"github.com/zhouzirui/hookchat/internal/render"
)

// headerBytes is how much of the body filetype needs to recognise a format.
const headerBytes = 261

const dialTimeout = 5 * time.Second

var (
	ErrNotImage       = errors.New("resource is not an image")
	ErrBlockedAddress = errors.New("refusing to fetch image from non-public address")
)

// Task identifies one placeholder to resolve.
type Task struct {
	WidgetID      string
	PlaceholderID string
	URL           string
	Alt           string
}

// ResolveFunc swaps a placeholder for markup and reports whether the placeholder still existed.
type ResolveFunc func(task Task, markup string) bool

// Loader runs deferred image probes.
type Loader struct {
	delay        time.Duration
	probeTimeout time.Duration
	httpClient   *http.Client
	sem          *semaphore.Weighted
	wg           sync.WaitGroup
	log          zerolog.Logger
}

// NewLoader builds a loader from config.
func NewLoader(cfg config.ImageConfig) *Loader {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Loader{
		delay:        cfg.LoadDelay,
		probeTimeout: cfg.ProbeTimeout,
		httpClient:   newProbeClient(cfg.AllowPrivateHosts),
		sem:          semaphore.NewWeighted(maxConcurrent),
		log:          logger.Component("imageload"),
	}
}

// Schedule starts the deferred load of one placeholder and returns immediately.
func (l *Loader) Schedule(ctx context.Context, task Task, resolve ResolveFunc) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx, task, resolve)
	}()
}

// Wait blocks until every scheduled task has finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}

func (l *Loader) run(ctx context.Context, task Task, resolve ResolveFunc) {
	timer := time.NewTimer(l.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer l.sem.Release(1)

	markup := render.ImageMarkup(task.URL, task.Alt)
	if err := l.Probe(ctx, task.URL); err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrBlockedAddress) {
			l.log.Warn().Err(err).Str("widget", task.WidgetID).Str("url", task.URL).Msg("image host blocked")
		} else {
			l.log.Debug().Err(err).Str("widget", task.WidgetID).Str("url", task.URL).Msg("image failed to load")
		}
		markup = render.ImageErrorMarkup()
	}

	if !resolve(task, markup) {
		l.log.Debug().Str("widget", task.WidgetID).Str("placeholder", task.PlaceholderID).Msg("placeholder gone, skipping")
	}
}

// Probe fetches the head of url and checks that it is an image.
func (l *Loader) Probe(ctx context.Context, url string) error {
	if l.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.probeTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	res, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch image: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("fetch image: status code %d", res.StatusCode)
	}

	head, err := io.ReadAll(io.LimitReader(res.Body, headerBytes))
	if err != nil {
		return fmt.Errorf("read image header: %w", err)
	}

	if filetype.IsImage(head) || isSVG(res.Header.Get("Content-Type"), head) {
		return nil
	}
	return ErrNotImage
}

func isSVG(contentType string, head []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == "image/svg+xml" {
		return true
	}
	trimmed := bytes.TrimSpace(head)
	return bytes.HasPrefix(trimmed, []byte("<svg")) ||
		(bytes.HasPrefix(trimmed, []byte("<?xml")) && strings.Contains(string(trimmed), "<svg"))
}

func newProbeClient(allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if !allowPrivate {
		// Control sees the resolved address, so redirects and DNS answers are checked too.
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			return checkPublicAddress(address)
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Transport: transport}
}

func checkPublicAddress(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}
