package jobsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/testgen/internal/models"
)

// Client is the job progress facade: callers subscribe to a job id and
// receive merged snapshots from the live stream and the REST poll path,
// without seeing connections, retries or frame decoding.
type Client struct {
	httpBase string
	http     *http.Client
	conns    *ConnManager
	store    *Store
	logger   arbor.ILogger

	mu     sync.Mutex
	jobs   map[string]*jobEntry
	closed bool
}

type jobEntry struct {
	conn    *Conn
	refs    int
	done    chan struct{}
	stopped atomic.Bool
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for the poll path
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a job progress client against an http(s) base URL such
// as "http://localhost:8080". Stream connections derive their ws(s) scheme
// from it.
func NewClient(baseURL string, policy RetryPolicy, logger arbor.ILogger, opts ...ClientOption) *Client {
	trimmed := strings.TrimRight(baseURL, "/")
	c := &Client{
		httpBase: trimmed,
		http:     &http.Client{Timeout: 10 * time.Second},
		conns:    NewConnManager(wsBase(trimmed), policy, logger),
		store:    NewStore(),
		logger:   logger,
		jobs:     make(map[string]*jobEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func wsBase(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https://"):
		return "wss://" + strings.TrimPrefix(httpBase, "https://")
	case strings.HasPrefix(httpBase, "http://"):
		return "ws://" + strings.TrimPrefix(httpBase, "http://")
	default:
		return httpBase
	}
}

// Subscription is one observer's attachment to a job. Unsubscribe detaches
// it synchronously and is safe to call from inside the observer callback
// itself.
type Subscription struct {
	client   *Client
	jobID    string
	removeFn func()
	removed  atomic.Bool

	// mu is held around each delivery to this observer, never across
	// anything that blocks
	mu sync.Mutex
}

// Unsubscribe detaches the observer. Idempotent.
func (s *Subscription) Unsubscribe() {
	if s.removed.Swap(true) {
		return
	}
	s.removeFn()
	s.client.release(s.jobID)

	// Barrier for a delivery already running on another goroutine. When the
	// caller is that delivery, this frame holds the lock and waiting would
	// deadlock; the removed flag above already stops anything later.
	if s.mu.TryLock() {
		s.mu.Unlock()
	}
}

// Subscribe attaches an observer to a job's snapshot updates, opening the
// job's stream connection if this is its first subscriber. An empty job id
// is rejected before any connection work happens.
func (c *Client) Subscribe(jobID string, observer SnapshotObserver) (*Subscription, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	c.mu.Unlock()

	// Seed the snapshot from the poll path before anything is registered so
	// the baseline is in place ahead of the first stream frame
	if err := c.Refresh(context.Background(), jobID); err != nil {
		c.logger.Debug().Err(err).Str("job_id", jobID).Msg("Initial job refresh failed")
	}

	sub := &Subscription{client: c, jobID: jobID}
	wrapped := func(snap Snapshot) {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.removed.Load() {
			return
		}
		observer(snap)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	// Observer registration and connection bookkeeping commit together, so
	// a concurrent teardown of the same job id either runs entirely before
	// this subscriber exists or sees its refcount and backs off
	sub.removeFn = c.store.register(jobID, wrapped)
	entry, ok := c.jobs[jobID]
	if !ok {
		conn := c.conns.Open(jobID)
		entry = &jobEntry{conn: conn, done: make(chan struct{})}
		c.jobs[jobID] = entry
		go c.dispatch(jobID, entry)
	}
	entry.refs++
	c.mu.Unlock()

	// Deliver the baseline replay queued by register
	c.store.notify(jobID)

	return sub, nil
}

// release drops one subscriber from a job, tearing its state down when the
// last one leaves. The snapshot is dropped in the same critical section that
// Subscribe uses to attach, so a new subscriber either lands after the drop
// on a fresh snapshot or keeps the entry alive through its refcount. Never
// blocks, which keeps it callable from inside an observer callback.
func (c *Client) release(jobID string) {
	c.mu.Lock()
	entry, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry.refs--
	last := entry.refs <= 0
	var detached *Conn
	if last {
		delete(c.jobs, jobID)
		entry.stopped.Store(true)
		c.store.Drop(jobID)
		// Detach under the lock so a racing Subscribe opens a fresh
		// connection; only this entry's connection gets closed
		detached = c.conns.Detach(jobID)
	}
	c.mu.Unlock()

	if detached != nil {
		detached.Close()
	}
}

// dispatch is the single consumer of one connection's event stream. It
// applies frames to the store in arrival order and flags the snapshot stale
// when the stream is down for a job that has not finished.
func (c *Client) dispatch(jobID string, entry *jobEntry) {
	defer close(entry.done)

	for event := range entry.conn.Events() {
		if entry.stopped.Load() {
			// Torn down; drain the channel so the conn goroutine can exit
			continue
		}
		switch event.Kind {
		case ConnOpened:
			// A fresh connection may have missed frames, so resync once
			if err := c.Refresh(context.Background(), jobID); err != nil {
				c.logger.Debug().Err(err).Str("job_id", jobID).Msg("Post-connect refresh failed")
			}
		case ConnEventReceived:
			c.store.Apply(jobID, event.Event, SourceStream)
		case ConnDecodeFailed:
			c.logger.Warn().Err(event.Err).Str("job_id", jobID).Msg("Dropped undecodable progress frame")
		case ConnClosed:
			// A connection that gave up leaves the snapshot possibly behind
			// the backend; retries in flight are not stale yet
			if event.State == StateClosed || event.State == StateFailed {
				c.store.MarkStale(jobID)
			}
		}
	}
}

// Refresh fetches the job's current state over REST and merges it into the
// snapshot. Useful as a manual fallback while the stream is stale.
func (c *Client) Refresh(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}

	url := fmt.Sprintf("%s/api/generations/%s", c.httpBase, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build job request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("job fetch returned status %d", resp.StatusCode)
	}

	var job models.GenerationJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}

	progress := job.Progress
	event := &ProgressEvent{
		Status:   job.Status,
		Stage:    job.Stage,
		Progress: &progress,
		Error:    job.Error,
		Files:    job.Files,
	}
	if !event.Status.IsValid() {
		return fmt.Errorf("job %s has unrecognized status %q", jobID, job.Status)
	}

	c.store.Apply(jobID, event, SourcePoll)
	return nil
}

// Snapshot returns the latest merged snapshot for a job, if one exists
func (c *Client) Snapshot(jobID string) (Snapshot, bool) {
	return c.store.Get(jobID)
}

// ConnState reports the stream connection state for a job. Jobs with no
// active subscription are Idle.
func (c *Client) ConnState(jobID string) ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.jobs[jobID]; ok {
		return entry.conn.State()
	}
	return StateIdle
}

// Close tears down every connection and rejects further subscriptions
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := make([]*jobEntry, 0, len(c.jobs))
	for _, entry := range c.jobs {
		entries = append(entries, entry)
	}
	c.jobs = make(map[string]*jobEntry)
	c.mu.Unlock()

	c.conns.CloseAll()
	for _, entry := range entries {
		<-entry.done
	}
}
