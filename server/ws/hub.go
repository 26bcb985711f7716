// Package ws streams task progress to HTTP clients as Server-Sent Events.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// SnapshotFunc returns the current record of a task.
type SnapshotFunc func(id string) (*task.Task, error)

// Hub attaches SSE clients to the per-task event bus.
type Hub struct {
	bus      comms.Bus
	snapshot SnapshotFunc
	logger   *slog.Logger
	clients  prometheus.Gauge
}

// NewHub creates a Hub. A nil registerer leaves its gauge unregistered.
func NewHub(bus comms.Bus, snapshot SnapshotFunc, reg prometheus.Registerer, logger *slog.Logger) *Hub {
	h := &Hub{
		bus:      bus,
		snapshot: snapshot,
		logger:   logger,
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ancap",
			Name:      "event_stream_clients",
			Help:      "Connected task event stream clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.clients)
	}
	return h
}

// writeFrame writes one SSE frame. JSON encoding keeps data on one line.
func writeFrame(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// ServeTask streams the events of task id. The first frame is a snapshot
// of the record; the stream ends after a terminal event.
func (h *Hub) ServeTask(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the snapshot so no transition falls between.
	sub, err := h.bus.Subscribe(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, comms.ErrTooManySubscribers) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer sub.Close()

	snap, err := h.snapshot(id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	h.clients.Inc()
	defer h.clients.Dec()

	if err := writeFrame(w, "snapshot", snap); err != nil {
		return
	}
	flusher.Flush()
	if snap.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					h.logger.Warn("event stream detached", slog.String("task_id", id), slog.Any("err", err))
					_ = writeFrame(w, "error", map[string]string{"error": err.Error()})
					flusher.Flush()
				}
				return
			}
			if err := writeFrame(w, string(ev.Type), ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
