package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/metrics"
	"github.com/t3t-io/screenrelay/internal/v1/registry"
	"github.com/t3t-io/screenrelay/internal/v1/types"
	"go.uber.org/zap"
)

// ErrNoInternalWorker is the failure reason reported when an OCR trigger
// arrives while no internal worker is registered.
const errNoInternalWorker = "internal worker not available"

// errOCRTimeout is the failure reason synthesized when the internal worker
// never answers within the configured deadline.
const errOCRTimeout = "timed out waiting for internal worker"

// errNoScreenshotReply is the worker's stable error string for an empty
// capture directory. Matching it lets the relay surface the capture-phase
// failure event alongside the completion.
const errNoScreenshotReply = "no screenshot"

// previewLimit is the maximum number of characters of extracted text put
// into the processed_screenshot event.
const previewLimit = 50

// Correlator maps an OCR request from a mobile peer to the reply from the
// internal worker. The correlation key is the requester sid, carried
// round-trip through the worker, so no lookup table is needed for routing.
// The pending list exists only to power the optional deadline and the
// shutdown drain; with the deadline disabled, replies are forwarded even
// when no pending entry remains.
//
// Concurrent requests from distinct mobiles are independent. A second
// request from the same mobile while one is outstanding is not
// deduplicated; both are relayed, and replies settle pending entries in
// FIFO order.
type Correlator struct {
	registry *registry.Registry
	emitter  *Emitter
	timeout  time.Duration

	mu      sync.Mutex
	pending map[types.SidType][]*pendingRequest
}

type pendingRequest struct {
	requester types.SidType
	startedAt time.Time
	timer     *time.Timer
	settled   bool
}

// NewCorrelator creates a correlator. timeout <= 0 disables the deadline.
func NewCorrelator(reg *registry.Registry, emitter *Emitter, timeout time.Duration) *Correlator {
	return &Correlator{
		registry: reg,
		emitter:  emitter,
		timeout:  timeout,
		pending:  make(map[types.SidType][]*pendingRequest),
	}
}

// Trigger starts one OCR round trip for the requesting peer.
//
// The started event always precedes the completion event for the same
// requester: it is emitted here, synchronously, before the request is
// handed to the worker or failed.
func (c *Correlator) Trigger(ctx context.Context, requester types.SidType) {
	ctx = logging.WithRequester(ctx, string(requester))

	c.emitter.Emit(ctx, types.EventOCRProcessingStarted, OCRStartedBody{
		RequesterSid: requester,
	})

	worker, ok := c.registry.Internal()
	if !ok {
		logging.Warn(ctx, "ocr trigger with no internal worker")
		c.emitter.SendMessage(ctx, types.Envelope{
			MessageType: string(types.MessageError),
			Value:       fmt.Sprintf("cannot run OCR: %s (requested by %s)", errNoInternalWorker, requester),
			TargetSid:   string(requester),
		})
		c.emitter.Emit(ctx, types.EventOCRProcessingCompleted, OCRCompletedBody{
			RequesterSid: requester,
			Success:      false,
			Error:        errNoInternalWorker,
		})
		metrics.OCRRequests.WithLabelValues("no_worker").Inc()
		return
	}

	req := &pendingRequest{requester: requester, startedAt: time.Now()}
	c.mu.Lock()
	c.pending[requester] = append(c.pending[requester], req)
	if c.timeout > 0 {
		req.timer = time.AfterFunc(c.timeout, func() { c.expire(req) })
	}
	c.mu.Unlock()

	logging.Info(ctx, "forwarding ocr request to internal worker")
	c.emitter.SendTo(ctx, worker, types.ChannelPerformOCR, types.PerformOCRPayload{
		RequesterSid: requester,
	})
}

// HandleResult processes a successful worker reply.
func (c *Correlator) HandleResult(ctx context.Context, payload types.OCRResultPayload) {
	ctx = logging.WithRequester(ctx, string(payload.RequesterSid))

	req, live := c.settle(payload.RequesterSid)
	if !live {
		logging.Warn(ctx, "dropping late ocr_result after synthesized timeout")
		return
	}
	if req != nil {
		metrics.OCRRequestDuration.Observe(time.Since(req.startedAt).Seconds())
	}
	metrics.OCRRequests.WithLabelValues("ok").Inc()

	c.emitter.Emit(ctx, types.EventOCRProcessingCompleted, OCRCompletedBody{
		RequesterSid: payload.RequesterSid,
		Success:      true,
	})
	// A successful reply is the relay's proof a capture existed on the
	// workstation; the capture-phase event rides on that evidence.
	c.emitter.Emit(ctx, types.EventCapturedScreenshot, ScreenshotBody{
		Success: true,
	})
	c.emitter.Emit(ctx, types.EventProcessedScreenshot, ScreenshotBody{
		Success:     true,
		TextPreview: preview(payload.Text),
	})
	c.emitter.SendMessage(ctx, types.Envelope{
		MessageType: string(types.MessageOCRResult),
		Value:       payload.Text,
	})
}

// HandleError processes a worker failure reply. The failure is surfaced
// verbatim in the completion event; no positive result is emitted and no
// retry is attempted.
func (c *Correlator) HandleError(ctx context.Context, payload types.OCRErrorPayload) {
	ctx = logging.WithRequester(ctx, string(payload.RequesterSid))

	if _, live := c.settle(payload.RequesterSid); !live {
		logging.Warn(ctx, "dropping late ocr_error after synthesized timeout")
		return
	}
	metrics.OCRRequests.WithLabelValues("error").Inc()

	logging.Warn(ctx, "internal worker reported ocr failure", zap.String("error", payload.Error))
	if payload.Error == errNoScreenshotReply {
		// The worker had nothing to process: the capture side failed.
		c.emitter.Emit(ctx, types.EventFailedScreenshotCapture, ScreenshotBody{
			Success: false,
			Error:   payload.Error,
		})
	}
	c.emitter.Emit(ctx, types.EventOCRProcessingCompleted, OCRCompletedBody{
		RequesterSid: payload.RequesterSid,
		Success:      false,
		Error:        payload.Error,
	})
}

// settle pops the oldest pending entry for the requester. live is false
// only when the deadline is enabled and every entry for that requester has
// already been expired, meaning a completion was already synthesized.
func (c *Correlator) settle(requester types.SidType) (req *pendingRequest, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.pending[requester]
	if len(queue) == 0 {
		// No tracked request. Without a deadline this is a worker reply
		// the relay simply never tracked losing; forward it.
		return nil, c.timeout <= 0
	}

	req = queue[0]
	c.removeLocked(requester, req)
	req.settled = true
	if req.timer != nil {
		req.timer.Stop()
	}
	return req, true
}

// expire fires when the deadline passes without a worker reply. It
// synthesizes a failed completion so the requester is never stranded.
func (c *Correlator) expire(req *pendingRequest) {
	c.mu.Lock()
	if req.settled {
		c.mu.Unlock()
		return
	}
	req.settled = true
	c.removeLocked(req.requester, req)
	c.mu.Unlock()

	ctx := logging.WithRequester(context.Background(), string(req.requester))
	logging.Warn(ctx, "ocr request timed out", zap.Duration("timeout", c.timeout))
	metrics.OCRRequests.WithLabelValues("timeout").Inc()

	c.emitter.Emit(ctx, types.EventOCRProcessingCompleted, OCRCompletedBody{
		RequesterSid: req.requester,
		Success:      false,
		Error:        errOCRTimeout,
	})
}

// removeLocked deletes req from the requester's queue. Caller holds mu.
func (c *Correlator) removeLocked(requester types.SidType, req *pendingRequest) {
	queue := c.pending[requester]
	for i, cand := range queue {
		if cand == req {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.pending, requester)
	} else {
		c.pending[requester] = queue
	}
}

// PendingCount reports the number of unsettled requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, queue := range c.pending {
		n += len(queue)
	}
	return n
}

// Drain waits for in-flight requests to settle, bounded by ctx.
func (c *Correlator) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.PendingCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %d ocr requests still pending: %w", c.PendingCount(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// preview returns the first previewLimit characters of text, with an
// ellipsis when truncated. Rune-safe so multi-byte text never splits.
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "..."
}
