package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/models"
)

// Entry is a queue-resident work item together with its scheduling state.
type Entry struct {
	Item  models.WorkItem  `json:"item"`
	State models.ItemState `json:"state"`

	WorkerID  string     `json:"worker_id,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`

	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`

	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progress_message,omitempty"`

	// readyKey is the current position in the dispatch index while queued.
	ReadyKey []byte `json:"ready_key,omitempty"`
}

// Queue is a durable FIFO of work items backed by BadgerDB. It supports
// priority (at-front) insertion, per-item timeouts, and dependency-aware
// dispatch with an allow-failure mode. All scheduling state survives restart.
//
// Key layout:
//
//	wq:item:<queue_id>          entry JSON
//	wq:ready:<seq20>:<queue_id> dispatch index, ascending iteration order
//	wq:dep:<pred_id>:<dep_id>   dependency edges awaiting resolution
//	wq:seq:head / wq:seq:tail   8-byte big-endian sequence counters
type Queue struct {
	db     *badger.DB
	logger arbor.ILogger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

const (
	itemPrefix  = "wq:item:"
	readyPrefix = "wq:ready:"
	depPrefix   = "wq:dep:"
	headSeqKey  = "wq:seq:head"
	tailSeqKey  = "wq:seq:tail"

	// Front sequences count up from zero, tail sequences count up from
	// seqOrigin. Ascending key iteration therefore yields front items first,
	// each class in enqueue order (earlier at-front enqueues win).
	seqOrigin = uint64(1) << 40
)

// New creates a work queue on the given Badger database.
func New(db *badger.DB, logger arbor.ILogger) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db is required")
	}
	return &Queue{
		db:      db,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Close releases in-memory cancellation hooks. The Badger database is owned
// by the caller.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cancels = make(map[string]context.CancelFunc)
}

// Enqueue appends a work item. At-front items go to the head of the queue.
// Items with an unsatisfied dependency are held and become dispatchable only
// once the dependency resolves. Returns the queue id (the item's stable id).
func (q *Queue) Enqueue(ctx context.Context, item *models.WorkItem) (string, error) {
	if item.ID == "" {
		return "", fmt.Errorf("work item id is required")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	entry := Entry{Item: *item, State: models.ItemStateQueued}

	err := q.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(itemKey(item.ID)); err == nil {
			return fmt.Errorf("work item %s already enqueued", item.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if item.DependsOn != nil && len(item.DependsOn.QueueIDs) > 0 {
			ready, doomed, err := q.dependencyState(txn, item.DependsOn)
			if err != nil {
				return err
			}
			switch {
			case doomed:
				// A predecessor already failed under standard mode.
				entry.State = models.ItemStateCancelled
				now := time.Now()
				entry.FinishedAt = &now
				entry.Error = "cancelled: predecessor failed"
			case ready:
				if err := q.placeReady(txn, &entry); err != nil {
					return err
				}
			default:
				entry.State = models.ItemStateHeld
				for _, pred := range item.DependsOn.QueueIDs {
					if err := txn.Set(depKey(pred, item.ID), []byte{}); err != nil {
						return err
					}
				}
			}
		} else if err := q.placeReady(txn, &entry); err != nil {
			return err
		}

		return writeEntry(txn, &entry)
	})
	if err != nil {
		return "", err
	}

	q.logger.Debug().
		Str("queue_id", item.ID).
		Str("state", string(entry.State)).
		Bool("at_front", item.AtFront).
		Msg("Work item enqueued")

	return item.ID, nil
}

// Claim atomically dequeues the next dispatchable work item and marks it
// claimed by the worker. A claimed item is invisible to other workers until
// its deadline (now + item timeout) passes. Returns ErrNoItem when nothing
// is ready.
func (q *Queue) Claim(ctx context.Context, workerID string) (*models.WorkItem, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, models.ErrQueueClosed
	}

	var claimed *models.WorkItem

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(readyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			queueID := readyKeyID(key)
			if queueID == "" {
				continue
			}

			entry, err := readEntry(txn, queueID)
			if err == badger.ErrKeyNotFound {
				// Stale index entry.
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			now := time.Now()
			deadline := now.Add(entry.Item.Timeout)
			entry.State = models.ItemStateRunning
			entry.WorkerID = workerID
			entry.ClaimedAt = &now
			entry.Deadline = &deadline
			entry.ReadyKey = nil

			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := writeEntry(txn, entry); err != nil {
				return err
			}

			item := entry.Item
			claimed = &item
			return nil
		}
		return models.ErrNoItem
	})
	if err != nil {
		return nil, err
	}

	q.logger.Debug().
		Str("queue_id", claimed.ID).
		Str("worker_id", workerID).
		Msg("Work item claimed")

	return claimed, nil
}

// RegisterCancel installs the cancellation hook for a running item so that
// Cancel can signal the executing worker cooperatively.
func (q *Queue) RegisterCancel(queueID string, cancel context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancels[queueID] = cancel
}

// UnregisterCancel removes the cancellation hook once execution ends.
func (q *Queue) UnregisterCancel(queueID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cancels, queueID)
}

// Complete marks a claimed entry finished, failed, or cancelled, then
// re-evaluates dependents of the entry.
func (q *Queue) Complete(ctx context.Context, queueID string, outcome models.ItemState, errMsg string) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("outcome %q is not terminal", outcome)
	}

	err := q.db.Update(func(txn *badger.Txn) error {
		entry, err := readEntry(txn, queueID)
		if err == badger.ErrKeyNotFound {
			return models.ErrItemNotFound
		}
		if err != nil {
			return err
		}
		if entry.State.IsTerminal() {
			return nil // already finalized (e.g. reclaimed after timeout)
		}

		if err := q.finalize(txn, entry, outcome, errMsg); err != nil {
			return err
		}
		return q.resolveDependents(txn, queueID)
	})
	if err != nil {
		return err
	}

	q.UnregisterCancel(queueID)

	q.logger.Debug().
		Str("queue_id", queueID).
		Str("outcome", string(outcome)).
		Msg("Work item completed")

	return nil
}

// Cancel removes a not-yet-running item, or signals cancellation to a running
// one. Dependents see the entry as a failed predecessor under standard mode
// and as a terminal one under allow-failure. Returns true if anything was
// cancelled or signalled.
func (q *Queue) Cancel(ctx context.Context, queueID string) (bool, error) {
	var running bool
	var found bool

	err := q.db.Update(func(txn *badger.Txn) error {
		entry, err := readEntry(txn, queueID)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		switch entry.State {
		case models.ItemStateQueued, models.ItemStateHeld:
			if len(entry.ReadyKey) > 0 {
				if err := txn.Delete(entry.ReadyKey); err != nil {
					return err
				}
			}
			if err := q.finalize(txn, entry, models.ItemStateCancelled, "cancelled by user"); err != nil {
				return err
			}
			return q.resolveDependents(txn, queueID)
		case models.ItemStateRunning:
			// Cooperative: the worker observes the context and finalizes the
			// entry through Complete.
			running = true
			return nil
		default:
			found = false
			return nil
		}
	})
	if err != nil {
		return false, err
	}

	if running {
		q.mu.Lock()
		cancel := q.cancels[queueID]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
			q.logger.Info().Str("queue_id", queueID).Msg("Cancellation signalled to running work item")
		}
	}

	return found, nil
}

// CancelJob cancels every non-terminal entry belonging to a job: queued and
// held items are removed, running ones are signalled. The job's coordinator
// is left alone; once its predecessors are all terminal it runs and derives
// the batch's final status. Returns the queue ids that were affected.
func (q *Queue) CancelJob(ctx context.Context, jobID int64) ([]string, error) {
	var targets []string
	err := q.forEachEntry(func(entry *Entry) error {
		if entry.Item.JobID == jobID && !entry.State.IsTerminal() && !entry.Item.Coordinator {
			targets = append(targets, entry.Item.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var cancelled []string
	for _, queueID := range targets {
		ok, err := q.Cancel(ctx, queueID)
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled = append(cancelled, queueID)
		}
	}
	return cancelled, nil
}

// Get returns the entry for a queue id.
func (q *Queue) Get(ctx context.Context, queueID string) (*Entry, error) {
	var entry *Entry
	err := q.db.View(func(txn *badger.Txn) error {
		e, err := readEntry(txn, queueID)
		if err == badger.ErrKeyNotFound {
			return models.ErrItemNotFound
		}
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

// UpdateProgress records incremental progress against a claimed entry.
// Observable via Get and ActiveItems; not required for correctness.
func (q *Queue) UpdateProgress(ctx context.Context, queueID string, percent int, message string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		entry, err := readEntry(txn, queueID)
		if err == badger.ErrKeyNotFound {
			return models.ErrItemNotFound
		}
		if err != nil {
			return err
		}
		if entry.State != models.ItemStateRunning {
			return nil
		}
		entry.Progress = percent
		entry.ProgressMessage = message
		return writeEntry(txn, entry)
	})
}

// Stats returns entry counts by state. Held items count as queued.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	err := q.forEachEntry(func(entry *Entry) error {
		switch entry.State {
		case models.ItemStateQueued, models.ItemStateHeld:
			stats.Queued++
		case models.ItemStateRunning:
			stats.Running++
		case models.ItemStateFinished:
			stats.Finished++
		case models.ItemStateFailed:
			stats.Failed++
		}
		return nil
	})
	return stats, err
}

// ActiveItems returns claim metadata for every running entry.
func (q *Queue) ActiveItems(ctx context.Context) ([]models.ClaimInfo, error) {
	var active []models.ClaimInfo
	err := q.forEachEntry(func(entry *Entry) error {
		if entry.State != models.ItemStateRunning {
			return nil
		}
		info := models.ClaimInfo{
			QueueID:  entry.Item.ID,
			WorkerID: entry.WorkerID,
			JobID:    entry.Item.JobID,
			JobType:  entry.Item.JobType,
			Progress: entry.Progress,
			Message:  entry.ProgressMessage,
		}
		if entry.ClaimedAt != nil {
			info.ClaimedAt = *entry.ClaimedAt
		}
		if entry.Deadline != nil {
			info.Deadline = *entry.Deadline
		}
		active = append(active, info)
		return nil
	})
	return active, err
}

// RunningSubJobs returns the set of subjob ids that have a running queue
// entry. The reconciliation sweep compares this against rows the job store
// believes are running.
func (q *Queue) RunningSubJobs(ctx context.Context) (map[int64]bool, error) {
	running := make(map[int64]bool)
	err := q.forEachEntry(func(entry *Entry) error {
		if entry.State == models.ItemStateRunning && entry.Item.Target == models.TargetSubJob {
			running[entry.Item.TargetID] = true
		}
		return nil
	})
	return running, err
}

// PendingJobs returns the set of job ids that still have at least one
// non-terminal queue entry (queued, held, or running, any target).
func (q *Queue) PendingJobs(ctx context.Context) (map[int64]bool, error) {
	pending := make(map[int64]bool)
	err := q.forEachEntry(func(entry *Entry) error {
		if !entry.State.IsTerminal() {
			pending[entry.Item.JobID] = true
		}
		return nil
	})
	return pending, err
}

// ReclaimExpired fails every running entry whose claim deadline has passed
// and returns the reclaimed entries so the caller can mirror the timeout into
// the job store. The timed-out execution is reported as failed; items are not
// re-run automatically.
func (q *Queue) ReclaimExpired(ctx context.Context) ([]Entry, error) {
	var expired []Entry
	now := time.Now()

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(itemPrefix)
		var toFail []*Entry
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if entry.State == models.ItemStateRunning && entry.Deadline != nil && entry.Deadline.Before(now) {
				e := entry
				toFail = append(toFail, &e)
			}
		}

		for _, entry := range toFail {
			errMsg := fmt.Sprintf("work item timed out after %s", entry.Item.Timeout)
			if err := q.finalize(txn, entry, models.ItemStateFailed, errMsg); err != nil {
				return err
			}
			if err := q.resolveDependents(txn, entry.Item.ID); err != nil {
				return err
			}
			expired = append(expired, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, entry := range expired {
		q.UnregisterCancel(entry.Item.ID)
		q.logger.Warn().
			Str("queue_id", entry.Item.ID).
			Str("worker_id", entry.WorkerID).
			Msg("Expired claim reclaimed, work item marked failed")
	}
	return expired, nil
}

// PurgeTerminal deletes terminal entries older than the retention windows.
func (q *Queue) PurgeTerminal(ctx context.Context, resultRetention, failureRetention time.Duration) (int, error) {
	purged := 0
	now := time.Now()

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(itemPrefix)
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if !entry.State.IsTerminal() || entry.FinishedAt == nil {
				continue
			}
			retention := resultRetention
			if entry.State == models.ItemStateFailed {
				retention = failureRetention
			}
			if entry.FinishedAt.Add(retention).Before(now) {
				toDelete = append(toDelete, it.Item().KeyCopy(nil))
			}
		}
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// finalize transitions an entry to a terminal state in the current txn.
func (q *Queue) finalize(txn *badger.Txn, entry *Entry, outcome models.ItemState, errMsg string) error {
	now := time.Now()
	entry.State = outcome
	entry.FinishedAt = &now
	entry.Error = errMsg
	entry.ReadyKey = nil
	entry.Deadline = nil
	return writeEntry(txn, entry)
}

// resolveDependents re-evaluates every held item waiting on the given
// predecessor. Standard mode dispatches only when all predecessors finished
// and cascades cancellation on any failure; allow-failure mode dispatches as
// soon as every predecessor is terminal, whatever the terminal state.
func (q *Queue) resolveDependents(txn *badger.Txn, predID string) error {
	pending := []string{predID}

	for len(pending) > 0 {
		pred := pending[0]
		pending = pending[1:]

		depIDs, err := q.dependentsOf(txn, pred)
		if err != nil {
			return err
		}

		for _, depID := range depIDs {
			if err := txn.Delete(depKey(pred, depID)); err != nil {
				return err
			}

			entry, err := readEntry(txn, depID)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if entry.State != models.ItemStateHeld {
				continue
			}

			ready, doomed, err := q.dependencyState(txn, entry.Item.DependsOn)
			if err != nil {
				return err
			}
			switch {
			case doomed:
				if err := q.finalize(txn, entry, models.ItemStateCancelled, "cancelled: predecessor failed"); err != nil {
					return err
				}
				pending = append(pending, depID) // cascade
			case ready:
				if err := q.placeReady(txn, entry); err != nil {
					return err
				}
				if err := writeEntry(txn, entry); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// dependencyState evaluates a dependency. ready means the dependent may be
// dispatched; doomed means it must be cancelled (standard mode only).
func (q *Queue) dependencyState(txn *badger.Txn, dep *models.Dependency) (ready, doomed bool, err error) {
	if dep == nil || len(dep.QueueIDs) == 0 {
		return true, false, nil
	}

	allTerminal := true
	allFinished := true
	anyFailed := false

	for _, predID := range dep.QueueIDs {
		entry, err := readEntry(txn, predID)
		if err == badger.ErrKeyNotFound {
			// Predecessor purged by retention; it was terminal when purged.
			continue
		}
		if err != nil {
			return false, false, err
		}
		if !entry.State.IsTerminal() {
			allTerminal = false
			allFinished = false
			continue
		}
		if entry.State != models.ItemStateFinished {
			allFinished = false
			anyFailed = true
		}
	}

	if dep.AllowFailure {
		return allTerminal, false, nil
	}
	if anyFailed {
		return false, true, nil
	}
	return allFinished, false, nil
}

func (q *Queue) dependentsOf(txn *badger.Txn, predID string) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := depKey(predID, "")
	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		ids = append(ids, string(key[len(prefix):]))
	}
	return ids, nil
}

// placeReady allocates a dispatch-index slot for the entry. Front items draw
// from the head counter below the origin, tail items from the tail counter
// above it, so every front item sorts before every tail item.
func (q *Queue) placeReady(txn *badger.Txn, entry *Entry) error {
	seq, err := nextSeq(txn, entry.Item.AtFront)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s%020d:%s", readyPrefix, seq, entry.Item.ID))
	if err := txn.Set(key, []byte{}); err != nil {
		return err
	}
	entry.State = models.ItemStateQueued
	entry.ReadyKey = key
	return nil
}

func (q *Queue) forEachEntry(fn func(*Entry) error) error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(itemPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if err := fn(&entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func nextSeq(txn *badger.Txn, front bool) (uint64, error) {
	key := tailSeqKey
	current := seqOrigin
	if front {
		key = headSeqKey
		current = 0
	}

	item, err := txn.Get([]byte(key))
	if err == nil {
		val, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		if len(val) == 8 {
			current = binary.BigEndian.Uint64(val)
		}
	} else if err != badger.ErrKeyNotFound {
		return 0, err
	}

	assigned := current

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, assigned+1)
	if err := txn.Set([]byte(key), buf); err != nil {
		return 0, err
	}
	return assigned, nil
}

func itemKey(queueID string) []byte {
	return []byte(itemPrefix + queueID)
}

func depKey(predID, depID string) []byte {
	return []byte(depPrefix + predID + ":" + depID)
}

func readyKeyID(key []byte) string {
	// Key format: wq:ready:<seq20>:<queue_id>
	rest := key[len(readyPrefix):]
	idx := bytes.IndexByte(rest, ':')
	if idx < 0 || idx+1 >= len(rest) {
		return ""
	}
	return string(rest[idx+1:])
}

func readEntry(txn *badger.Txn, queueID string) (*Entry, error) {
	item, err := txn.Get(itemKey(queueID))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, err
	}
	return &entry, nil
}

func writeEntry(txn *badger.Txn, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	return txn.Set(itemKey(entry.Item.ID), data)
}
