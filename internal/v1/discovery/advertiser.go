// Package discovery publishes the relay's mDNS service record so mobile
// clients on the same LAN can find the workstation without configuration.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/libp2p/zeroconf/v2"
	"go.uber.org/zap"
)

// instanceLabel is the short label prepended to the host name in the
// advertised instance name.
const instanceLabel = "t3t-io"

// Advertiser manages one mDNS service record for the lifetime of the
// server. Start is idempotent; Shutdown withdraws the record with a
// bounded wait so a wedged responder can never hold up process exit.
type Advertiser struct {
	serviceType string
	port        int

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser for the given mDNS service type
// (e.g. "_http._tcp.local.") and listen port.
func NewAdvertiser(serviceType string, port int) *Advertiser {
	return &Advertiser{serviceType: serviceType, port: port}
}

// InstanceName returns the advertised instance label for this host.
func InstanceName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return fmt.Sprintf("%s (%s)", instanceLabel, hostname)
}

// splitServiceType separates "_http._tcp.local." into the service and
// domain parts zeroconf wants.
func splitServiceType(serviceType string) (service, domain string) {
	trimmed := strings.TrimSuffix(serviceType, ".")
	if idx := strings.LastIndex(trimmed, "."); idx > 0 && !strings.Contains(trimmed[idx+1:], "_") {
		return trimmed[:idx], trimmed[idx+1:] + "."
	}
	return serviceType, "local."
}

// Start registers the service record. A second Start while registered is a
// no-op. Registration failure is not fatal to the caller: the relay keeps
// serving, only discovery is lost.
func (a *Advertiser) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		logging.Debug(ctx, "mdns advertisement already active")
		return nil
	}

	ip, err := LocalIPv4()
	if err != nil {
		return fmt.Errorf("selecting advertise address: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	service, domain := splitServiceType(a.serviceType)
	server, err := zeroconf.RegisterProxy(
		InstanceName(),
		service,
		domain,
		a.port,
		hostname,
		[]string{ip.String()},
		[]string{}, // empty TXT
		nil,
	)
	if err != nil {
		return fmt.Errorf("registering mdns service: %w", err)
	}

	a.server = server
	logging.Info(ctx, "mdns advertisement started",
		zap.String("instance", InstanceName()),
		zap.String("service", service),
		zap.String("addr", ip.String()),
		zap.Int("port", a.port),
	)
	return nil
}

// Active reports whether a record is currently registered.
func (a *Advertiser) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Shutdown withdraws the service record, waiting at most until ctx is
// done. Safe to call multiple times and without a prior Start.
func (a *Advertiser) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		server.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		logging.Info(ctx, "mdns advertisement withdrawn")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mdns withdrawal timed out: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mdns withdrawal timed out")
	}
}
