package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/datallboy/songq/internal/domain"
	"github.com/datallboy/songq/internal/infra/logger"
	"github.com/dustin/go-humanize"
)

const defaultContentType = "audio/mpeg"

// maxPrealloc caps the buffer reserved up front from a declared size
const maxPrealloc = 64 << 20

type TransferOptions struct {
	ChunkSize        int
	ProgressInterval time.Duration
	ResolveTimeout   time.Duration
	OpenTimeout      time.Duration
	Client           *http.Client
}

// Transfer streams one song from its resolved URL into the library.
type Transfer struct {
	locator Locator
	library Library
	client  *http.Client
	log     *logger.Logger
	opts    TransferOptions
	now     func() time.Time
}

func NewTransfer(locator Locator, library Library, log *logger.Logger, opts TransferOptions) *Transfer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 32 * 1024
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 8 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 8 * time.Second
	}
	client := opts.Client
	if client == nil {
		// No overall timeout: the read loop is bounded by cancellation only
		client = &http.Client{}
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Transfer{
		locator: locator,
		library: library,
		client:  client,
		log:     log.With("transfer"),
		opts:    opts,
		now:     time.Now,
	}
}

// transferError carries the failure classification to Run.
type transferError struct {
	reason domain.FailureReason
	err    error
}

func (e *transferError) Error() string { return e.err.Error() }
func (e *transferError) Unwrap() error { return e.err }

func fail(reason domain.FailureReason, err error) error {
	return &transferError{reason: reason, err: err}
}

// Run implements Transferer. Every outcome, cancellation included, ends in
// exactly one terminal report.
func (t *Transfer) Run(ctx context.Context, job Job, r Reporter) {
	start := t.now()

	if err := t.transfer(ctx, job, r); err != nil {
		reason := domain.ReasonNetwork
		var te *transferError
		if errors.As(err, &te) {
			reason = te.reason
		}
		if reason == domain.ReasonCancelled {
			t.log.Debug("Transfer %s cancelled after %s", job.Item.ID, t.now().Sub(start).Truncate(time.Millisecond))
		}
		r.ReportFailed(job.Ref, reason, err.Error())
		return
	}

	r.ReportCompleted(job.Ref)
}

func (t *Transfer) transfer(ctx context.Context, job Job, r Reporter) error {
	url, err := t.resolve(ctx, job.Item.Source)
	if err != nil {
		return err
	}

	st, err := t.open(ctx, url)
	if err != nil {
		return err
	}
	defer st.close()

	payload, err := t.stream(ctx, job.Ref, st, r)
	if err != nil {
		return err
	}

	song := &domain.Song{
		ID:          job.Item.ID,
		Name:        job.Item.Name,
		Artist:      job.Item.Artist,
		Source:      job.Item.Source,
		ContentType: st.contentType,
		Payload:     payload,
		StoredAt:    t.now(),
	}
	if err := t.library.Put(ctx, song); err != nil {
		if ctx.Err() != nil {
			return fail(domain.ReasonCancelled, ctx.Err())
		}
		return fail(domain.ReasonNetwork, fmt.Errorf("failed to store payload: %w", err))
	}

	t.log.Debug("Stored %s (%s)", job.Item.ID, humanize.Bytes(uint64(len(payload))))
	return nil
}

// resolve asks the locator for a URL within ResolveTimeout.
func (t *Transfer) resolve(ctx context.Context, source json.RawMessage) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, t.opts.ResolveTimeout)
	defer cancel()

	url, err := t.locator.Resolve(rctx, source)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return "", fail(domain.ReasonCancelled, ctx.Err())
		case errors.Is(rctx.Err(), context.DeadlineExceeded):
			return "", fail(domain.ReasonTimeout, fmt.Errorf("resolve timed out after %s", t.opts.ResolveTimeout))
		default:
			return "", fail(domain.ReasonResolution, err)
		}
	}

	url = strings.TrimSpace(url)
	if url == "" {
		return "", fail(domain.ReasonResolution, errors.New("locator returned an empty url"))
	}

	// Sources hand out plain http links that are also served over TLS
	if strings.HasPrefix(url, "http:") {
		url = "https:" + strings.TrimPrefix(url, "http:")
	}
	return url, nil
}

type stream struct {
	body        io.ReadCloser
	size        int64
	contentType string
	release     context.CancelFunc
}

func (s *stream) close() {
	s.body.Close()
	s.release()
}

// open issues the GET and waits at most OpenTimeout for response headers.
// The body keeps streaming after that under the run context.
func (t *Transfer) open(ctx context.Context, url string) (*stream, error) {
	openCtx, release := context.WithCancel(ctx)

	var timedOut atomic.Bool
	fired := make(chan struct{})
	timer := time.AfterFunc(t.opts.OpenTimeout, func() {
		timedOut.Store(true)
		release()
		close(fired)
	})

	req, err := http.NewRequestWithContext(openCtx, http.MethodGet, url, nil)
	if err != nil {
		timer.Stop()
		release()
		return nil, fail(domain.ReasonNetwork, fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := t.client.Do(req)
	if !timer.Stop() {
		// The deadline fired; wait for its callback so timedOut is final
		<-fired
	}

	if err != nil {
		release()
		switch {
		case ctx.Err() != nil:
			return nil, fail(domain.ReasonCancelled, ctx.Err())
		case timedOut.Load():
			return nil, fail(domain.ReasonTimeout, fmt.Errorf("stream open timed out after %s", t.opts.OpenTimeout))
		default:
			return nil, fail(domain.ReasonNetwork, err)
		}
	}

	if timedOut.Load() {
		resp.Body.Close()
		release()
		return nil, fail(domain.ReasonTimeout, fmt.Errorf("stream open timed out after %s", t.opts.OpenTimeout))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		release()
		return nil, fail(domain.ReasonHTTP, fmt.Errorf("remote responded with %s", resp.Status))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}

	return &stream{
		body:        resp.Body,
		size:        size,
		contentType: contentType,
		release:     release,
	}, nil
}

// stream reads the body chunk by chunk, checking for cancellation between
// reads, and returns the assembled payload.
func (t *Transfer) stream(ctx context.Context, ref RunRef, st *stream, r Reporter) ([]byte, error) {
	var buf bytes.Buffer
	if st.size > 0 {
		buf.Grow(int(min(st.size, maxPrealloc)))
	}

	chunk := make([]byte, t.opts.ChunkSize)
	tracker := newProgressTracker(st.size)
	coalesce := newCoalescer(t.opts.ProgressInterval, t.now)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fail(domain.ReasonCancelled, err)
		}

		n, err := st.body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if p, ok := coalesce.offer(tracker.advance(n)); ok {
				r.ReportProgress(ref, p)
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, fail(domain.ReasonCancelled, ctx.Err())
			}
			return nil, fail(domain.ReasonNetwork, fmt.Errorf("read failed after %s: %w", humanize.Bytes(uint64(buf.Len())), err))
		}
	}

	if p, ok := coalesce.flush(); ok {
		r.ReportProgress(ref, p)
	}

	if st.size > 0 && int64(buf.Len()) < st.size {
		return nil, fail(domain.ReasonNetwork, fmt.Errorf("stream ended early: got %d of %d bytes", buf.Len(), st.size))
	}

	return buf.Bytes(), nil
}
