package jobsync

import (
	"sync"
	"time"

	"github.com/ternarybob/testgen/internal/models"
)

// SnapshotSource records which path produced a job snapshot update
type SnapshotSource string

const (
	SourceStream SnapshotSource = "stream"
	SourcePoll   SnapshotSource = "poll"
)

// Snapshot is the merged view of one job's progress. Files is never
// modified after being set and a terminal Status never changes again.
type Snapshot struct {
	JobID     string
	Status    models.JobStatus
	Stage     string
	Progress  int
	Error     string
	Files     map[string]string
	Source    SnapshotSource
	UpdatedAt time.Time
	Stale     bool
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Files != nil {
		out.Files = make(map[string]string, len(s.Files))
		for k, v := range s.Files {
			out.Files[k] = v
		}
	}
	return out
}

// IsTerminal reports whether the snapshot has reached a final status
func (s Snapshot) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// SnapshotObserver receives snapshot updates for a job
type SnapshotObserver func(Snapshot)

// delivery is one queued notification: a snapshot plus the observers that
// were attached when it was produced
type delivery struct {
	snapshot  Snapshot
	observers []SnapshotObserver
}

type storeEntry struct {
	snapshot  Snapshot
	observers map[int]SnapshotObserver
	pending   []delivery
	notifying bool
}

// Store holds the latest known snapshot per job and notifies observers on
// every applied change. Merging is last-writer-wins while a job is live,
// sticky once it turns terminal: updates against a terminal snapshot are
// dropped, whichever source they came from. Notifications are queued in
// merge order and drained by a single goroutine per job at a time, so
// observers never see updates out of order even when the stream and the
// poll path apply concurrently.
type Store struct {
	mu      sync.Mutex
	entries map[string]*storeEntry
	nextObs int
}

// NewStore creates an empty job snapshot store
func NewStore() *Store {
	return &Store{entries: make(map[string]*storeEntry)}
}

func (s *Store) entry(jobID string) *storeEntry {
	entry, ok := s.entries[jobID]
	if !ok {
		entry = &storeEntry{
			snapshot:  Snapshot{JobID: jobID, Status: models.JobStatusPending},
			observers: make(map[int]SnapshotObserver),
		}
		s.entries[jobID] = entry
	}
	return entry
}

// Apply merges a decoded progress event into the job's snapshot and returns
// the resulting view. A nil Progress on the event leaves the stored percent
// untouched, so terminal frames without a percent keep the last one seen.
// Files are captured only from the completed transition; frames that carry
// files earlier are ignored.
func (s *Store) Apply(jobID string, event *ProgressEvent, source SnapshotSource) Snapshot {
	s.mu.Lock()
	entry := s.entry(jobID)

	if entry.snapshot.IsTerminal() {
		out := entry.snapshot.clone()
		s.mu.Unlock()
		return out
	}

	entry.snapshot.Status = event.Status
	entry.snapshot.Stage = event.Stage
	if event.Progress != nil {
		entry.snapshot.Progress = *event.Progress
	}
	if event.Error != "" {
		entry.snapshot.Error = event.Error
	}
	if entry.snapshot.Files == nil && event.Status == models.JobStatusCompleted && len(event.Files) > 0 {
		files := make(map[string]string, len(event.Files))
		for k, v := range event.Files {
			files[k] = v
		}
		entry.snapshot.Files = files
	}
	entry.snapshot.Source = source
	entry.snapshot.UpdatedAt = time.Now()
	entry.snapshot.Stale = false

	out := entry.snapshot.clone()
	s.enqueue(entry, out)
	s.mu.Unlock()

	s.notify(jobID)
	return out
}

// MarkStale flags a job's snapshot as possibly behind the backend, used when
// its stream connection is down and the job is not terminal yet. Terminal
// snapshots are complete by definition and never go stale.
func (s *Store) MarkStale(jobID string) {
	s.mu.Lock()
	entry, ok := s.entries[jobID]
	if !ok || entry.snapshot.IsTerminal() || entry.snapshot.Stale {
		s.mu.Unlock()
		return
	}
	entry.snapshot.Stale = true
	s.enqueue(entry, entry.snapshot.clone())
	s.mu.Unlock()

	s.notify(jobID)
}

// Get returns a copy of the job's snapshot, if one exists
func (s *Store) Get(jobID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return entry.snapshot.clone(), true
}

// Subscribe registers an observer for a job's snapshot changes, replays the
// current snapshot to it through the ordered delivery path, and returns its
// removal func. Removal is idempotent.
func (s *Store) Subscribe(jobID string, fn SnapshotObserver) func() {
	remove := s.register(jobID, fn)
	s.notify(jobID)
	return remove
}

// register adds the observer and queues its baseline replay without
// draining. Callers holding their own locks register first and drain with
// notify once the locks are released.
func (s *Store) register(jobID string, fn SnapshotObserver) func() {
	s.mu.Lock()
	entry := s.entry(jobID)
	id := s.nextObs
	s.nextObs++
	entry.observers[id] = fn
	entry.pending = append(entry.pending, delivery{
		snapshot:  entry.snapshot.clone(),
		observers: []SnapshotObserver{fn},
	})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if entry, ok := s.entries[jobID]; ok {
			delete(entry.observers, id)
		}
	}
}

// Drop discards a job's snapshot, its observers and any undelivered
// notifications
func (s *Store) Drop(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, jobID)
}

// enqueue appends a notification for every observer attached right now.
// Caller holds s.mu.
func (s *Store) enqueue(entry *storeEntry, snap Snapshot) {
	if len(entry.observers) == 0 {
		return
	}
	observers := make([]SnapshotObserver, 0, len(entry.observers))
	for _, fn := range entry.observers {
		observers = append(observers, fn)
	}
	entry.pending = append(entry.pending, delivery{snapshot: snap, observers: observers})
}

// notify drains the job's pending deliveries in queue order. Only one
// drainer runs per entry at a time and no lock is held while a callback
// runs, so callbacks may safely call back into the store.
func (s *Store) notify(jobID string) {
	s.mu.Lock()
	entry, ok := s.entries[jobID]
	if !ok || entry.notifying {
		s.mu.Unlock()
		return
	}
	entry.notifying = true
	for len(entry.pending) > 0 {
		d := entry.pending[0]
		entry.pending = entry.pending[1:]
		s.mu.Unlock()

		for _, fn := range d.observers {
			fn(d.snapshot)
		}

		s.mu.Lock()
		if s.entries[jobID] != entry {
			// Dropped mid-drain; whatever was left is discarded with it
			s.mu.Unlock()
			return
		}
	}
	entry.notifying = false
	s.mu.Unlock()
}
