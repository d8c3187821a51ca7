package backend

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/droverhq/drover/pkg/models"
)

// eventBuffer decouples provider streams from consumer pace.
const eventBuffer = 32

// taskHandle is the Handle implementation shared by every backend. A single
// producer goroutine feeds events through emit and finishes with complete;
// that ordering is what makes Events strictly ordered.
type taskHandle struct {
	events chan OutputEvent

	done   chan struct{}
	result models.JobResult
	err    error

	cancelOnce sync.Once
	cancelCh   chan struct{}
	reason     string
}

func newTaskHandle() *taskHandle {
	return &taskHandle{
		events:   make(chan OutputEvent, eventBuffer),
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

func (h *taskHandle) Events() <-chan OutputEvent { return h.events }

func (h *taskHandle) Result(ctx context.Context) (models.JobResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return models.JobResult{}, ctx.Err()
	}
}

func (h *taskHandle) Cancel(reason string) {
	h.cancelOnce.Do(func() {
		h.reason = reason
		close(h.cancelCh)
	})
}

// cancelled returns the channel closed by Cancel. Producers select on it
// alongside their context.
func (h *taskHandle) cancelled() <-chan struct{} { return h.cancelCh }

// cancelReason is valid once cancelled() has fired.
func (h *taskHandle) cancelReason() (string, bool) {
	select {
	case <-h.cancelCh:
		return h.reason, true
	default:
		return "", false
	}
}

// emit delivers evt in order. It returns false when the run was cancelled or
// the context ended; the producer should stop streaming and complete.
func (h *taskHandle) emit(ctx context.Context, evt OutputEvent) bool {
	select {
	case h.events <- evt:
		return true
	case <-h.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// complete records the final result, emits the terminal CompleteEvent, and
// closes the stream. parent is the unmodified caller context: consumers
// drain until close, so the send only gives up when the caller itself is
// gone.
func (h *taskHandle) complete(parent context.Context, result models.JobResult, err error) {
	h.result = result
	h.err = err
	select {
	case h.events <- &CompleteEvent{Result: result}:
	case <-parent.Done():
	}
	close(h.events)
	close(h.done)
}

func cancelledResult(reason string) models.JobResult {
	if reason == "" {
		reason = "cancelled"
	}
	return models.JobResult{Status: ResultStatusCancelled, Summary: reason}
}

func failedResult(err error) models.JobResult {
	return models.JobResult{Status: ResultStatusFailed, Summary: err.Error()}
}

// toolAccumulator assembles a streamed tool call from partial JSON deltas.
type toolAccumulator struct {
	id, name string
	args     strings.Builder
}

func (a *toolAccumulator) input() json.RawMessage {
	s := strings.TrimSpace(a.args.String())
	if s == "" {
		s = "{}"
	}
	return json.RawMessage(s)
}
