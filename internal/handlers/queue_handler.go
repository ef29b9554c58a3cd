package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/models"
	"github.com/beamline-tools/lauerun/internal/queue"
	"github.com/beamline-tools/lauerun/internal/store"
	"github.com/beamline-tools/lauerun/internal/worker"
)

// QueueHandler exposes work queue and worker observability.
type QueueHandler struct {
	queue  *queue.Queue
	store  *store.JobStore
	pool   *worker.Pool
	logger arbor.ILogger
}

// NewQueueHandler creates a queue handler.
func NewQueueHandler(workQueue *queue.Queue, jobStore *store.JobStore, pool *worker.Pool, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{queue: workQueue, store: jobStore, pool: pool, logger: logger}
}

// StatsHandler handles GET /api/queue/stats: entry counts by state.
func (h *QueueHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read queue stats")
		WriteError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// ActiveHandler handles GET /api/queue/active: claim metadata for every
// running work item, including progress.
func (h *QueueHandler) ActiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	active, err := h.queue.ActiveItems(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list active items")
		WriteError(w, http.StatusInternalServerError, "failed to list active items")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"count": len(active),
		"items": active,
	})
}

// EntryStatusHandler handles GET /api/queue/status/{queue_id}: the full
// entry record, including claim and progress state.
func (h *QueueHandler) EntryStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	queueID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/status/"), "/")
	if queueID == "" {
		WriteError(w, http.StatusBadRequest, "missing queue id")
		return
	}

	entry, err := h.queue.Get(r.Context(), queueID)
	if err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			WriteError(w, http.StatusNotFound, "queue entry not found")
			return
		}
		h.logger.Error().Err(err).Str("queue_id", queueID).Msg("Failed to read queue entry")
		WriteError(w, http.StatusInternalServerError, "failed to read queue entry")
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

// CancelEntryHandler handles POST /api/queue/cancel/{queue_id}. Queued
// entries are removed and their subjob row mirrored; running ones are
// signalled and finalize through the worker.
func (h *QueueHandler) CancelEntryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	queueID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/cancel/"), "/")
	if queueID == "" {
		WriteError(w, http.StatusBadRequest, "missing queue id")
		return
	}

	entry, err := h.queue.Get(r.Context(), queueID)
	if err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			WriteError(w, http.StatusNotFound, "queue entry not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to read queue entry")
		return
	}

	cancelled, err := h.queue.Cancel(r.Context(), queueID)
	if err != nil {
		h.logger.Error().Err(err).Str("queue_id", queueID).Msg("Failed to cancel queue entry")
		WriteError(w, http.StatusInternalServerError, "failed to cancel queue entry")
		return
	}

	if cancelled && entry.Item.Target == models.TargetSubJob && entry.State != models.ItemStateRunning {
		if _, err := h.store.UpdateSubJobStatus(r.Context(), entry.Item.TargetID, store.StatusUpdate{
			Status:        models.StatusCancelled,
			AppendMessage: "cancelled by user",
		}); err != nil && !errors.Is(err, models.ErrIllegalTransition) {
			h.logger.Warn().Err(err).Int64("subjob_id", entry.Item.TargetID).Msg("Failed to mirror cancellation")
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"queue_id":  queueID,
		"cancelled": cancelled,
	})
}

// WorkersHandler handles GET /api/workers: per-worker heartbeats and counters.
func (h *QueueHandler) WorkersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	infos, uptime := h.pool.WorkersInfo()
	WriteJSON(w, http.StatusOK, map[string]any{
		"workers": infos,
		"uptime":  uptime.Round(time.Second).String(),
	})
}
