package relay

import (
	"context"
	"time"

	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/registry"
	"github.com/t3t-io/screenrelay/internal/v1/types"
	"go.uber.org/zap"
)

// Heartbeat periodically broadcasts a client_count message to the default
// room and logs the peer roster. The count excludes the internal worker;
// it answers "how many consumers are attached", not "how many sockets".
type Heartbeat struct {
	registry *registry.Registry
	emitter  *Emitter
	interval time.Duration
}

// NewHeartbeat creates a broadcaster firing every interval.
func NewHeartbeat(reg *registry.Registry, emitter *Emitter, interval time.Duration) *Heartbeat {
	return &Heartbeat{registry: reg, emitter: emitter, interval: interval}
}

// Run broadcasts until ctx is cancelled. Blocking; callers run it in its
// own goroutine.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	count := h.registry.CountWhere(func(p registry.PeerInfo) bool {
		return p.Classification != types.ClassificationInternal
	})

	logging.Info(ctx, "client count heartbeat",
		zap.Int("count", count),
		zap.Int("total_peers", h.registry.Len()),
	)
	h.registry.LogRoster(ctx)

	h.emitter.SendMessage(ctx, types.Envelope{
		MessageType: string(types.MessageClientCount),
		Value:       types.ClientCountValue{Count: count},
	})
}
