// Package worker runs the workstation capture loop: periodic full-screen
// screenshots, age-based pruning of old captures, and on-demand OCR over
// the most recent capture. Control happens through sentinel files in the
// temp directory so any local process can pause the loop or reload the
// cadence without talking to the worker directly.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/t3t-io/screenrelay/internal/v1/config"
	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/metrics"
	"go.uber.org/zap"
)

// Sentinel errors the OCR path reports upstream. The strings travel over
// the wire verbatim, so they stay short and stable.
var (
	ErrNoScreenshot = errors.New("no screenshot")
	ErrNoText       = errors.New("no text")
)

// waitSlice bounds how long the loop sleeps before re-checking the pause
// sentinel and shutdown context mid-interval.
const waitSlice = 250 * time.Millisecond

// pausedPollInterval is the check cadence while the pause sentinel exists.
const pausedPollInterval = 500 * time.Millisecond

// captureFailureBackoff is the retry delay after a failed capture. Failed
// cycles skip cleanup and the reload check and go straight to the retry.
const captureFailureBackoff = 500 * time.Millisecond

// Worker owns the capture directory and the cadence state. One Worker per
// process; Run and ServeOCR may be used concurrently.
type Worker struct {
	captureDir string
	tempDir    string
	freqPath   string
	cleanupAge time.Duration

	capturer Capturer
	engine   Engine
	breaker  *gobreaker.CircuitBreaker

	mu        sync.Mutex
	frequency time.Duration
	paused    bool
}

// New builds a Worker from the agent configuration. Nil capturer or engine
// fall back to the platform command implementations.
func New(cfg config.AgentConfig, capturer Capturer, engine Engine) *Worker {
	if capturer == nil {
		capturer = &CommandCapturer{Command: cfg.CaptureCommand}
	}
	if engine == nil {
		engine = &CommandEngine{Command: cfg.OCRCommand}
	}

	w := &Worker{
		captureDir: cfg.CaptureDir,
		tempDir:    cfg.TempDir,
		freqPath:   cfg.FrequencyConfigPath,
		cleanupAge: time.Duration(cfg.CleanupAge * float64(time.Second)),
		capturer:   capturer,
		engine:     engine,
		frequency:  time.Duration(config.DefaultFrequency * float64(time.Second)),
	}

	// Trip after a few consecutive OCR failures so a broken tesseract
	// install doesn't get hammered once per request; half-open retries
	// after the cooldown.
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ocr-engine",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn(context.Background(), "ocr breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return w
}

// Frequency returns the current capture cadence.
func (w *Worker) Frequency() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frequency
}

// Run drives the capture loop until ctx is cancelled. It creates the
// capture directory, loads the initial cadence, then alternates
// capture / cleanup / signal checks / interruptible wait. A failed
// capture retries after a short backoff without running cleanup or the
// reload check.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.captureDir, 0o755); err != nil {
		return fmt.Errorf("creating capture directory %s: %w", w.captureDir, err)
	}

	w.loadFrequency(ctx, false)
	logging.Info(ctx, "capture loop started",
		zap.String("dir", w.captureDir),
		zap.Duration("frequency", w.Frequency()),
	)

	for {
		if ctx.Err() != nil {
			logging.Info(ctx, "capture loop stopped")
			return ctx.Err()
		}

		if w.pauseSignalPresent() {
			w.setPaused(ctx, true)
			if !sleepCtx(ctx, pausedPollInterval) {
				logging.Info(ctx, "capture loop stopped")
				return ctx.Err()
			}
			continue
		}
		w.setPaused(ctx, false)

		if err := w.captureOnce(ctx); err != nil {
			if !sleepCtx(ctx, captureFailureBackoff) {
				logging.Info(ctx, "capture loop stopped")
				return ctx.Err()
			}
			continue
		}

		if deleted := w.cleanup(ctx); deleted > 0 {
			logging.Info(ctx, "pruned old captures", zap.Int("deleted", deleted))
		}

		if w.consumeReloadSignal(ctx) {
			w.loadFrequency(ctx, true)
		}

		if !w.wait(ctx) {
			logging.Info(ctx, "capture loop stopped")
			return ctx.Err()
		}
	}
}

// captureOnce takes one screenshot. Failures are logged and counted but
// never stop the loop; a transient tool error should not kill the agent.
func (w *Worker) captureOnce(ctx context.Context) error {
	path := filepath.Join(w.captureDir, CaptureFileName(time.Now()))
	if err := w.capturer.Capture(ctx, path); err != nil {
		metrics.Captures.WithLabelValues("failure").Inc()
		logging.Warn(ctx, "screenshot capture failed", zap.Error(err))
		return err
	}
	metrics.Captures.WithLabelValues("success").Inc()
	logging.Debug(ctx, "captured screenshot", zap.String("path", path))
	return nil
}

// cleanup removes worker-owned captures older than the cleanup age and
// returns the number deleted. Foreign files in the directory are ignored.
func (w *Worker) cleanup(ctx context.Context) int {
	entries, err := os.ReadDir(w.captureDir)
	if err != nil {
		logging.Warn(ctx, "reading capture directory for cleanup", zap.Error(err))
		return 0
	}

	cutoff := time.Now().Add(-w.cleanupAge)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !isCaptureName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(w.captureDir, entry.Name())); err != nil {
			logging.Warn(ctx, "removing old capture", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		deleted++
		metrics.CleanupDeleted.Inc()
	}
	return deleted
}

// ServeOCR runs OCR over the most recent capture and returns the
// normalized text. Returns ErrNoScreenshot when the capture directory has
// no captures and ErrNoText when recognition yields only whitespace.
func (w *Worker) ServeOCR(ctx context.Context) (string, error) {
	path, ok := w.latestCapture(ctx)
	if !ok {
		return "", ErrNoScreenshot
	}

	result, err := w.breaker.Execute(func() (interface{}, error) {
		return w.engine.Recognize(ctx, path)
	})
	if err != nil {
		return "", fmt.Errorf("ocr on %s: %w", filepath.Base(path), err)
	}

	text := result.(string)
	if strings.TrimSpace(text) == "" {
		return "", ErrNoText
	}
	return NormalizeText(text), nil
}

// latestCapture finds the newest worker-owned capture. The timestamped
// names sort lexicographically, so the last name is the newest file.
func (w *Worker) latestCapture(ctx context.Context) (string, bool) {
	entries, err := os.ReadDir(w.captureDir)
	if err != nil {
		logging.Warn(ctx, "reading capture directory", zap.Error(err))
		return "", false
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && isCaptureName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return filepath.Join(w.captureDir, names[len(names)-1]), true
}

func isCaptureName(name string) bool {
	return strings.HasPrefix(name, CaptureFilePrefix) && strings.HasSuffix(name, CaptureFileSuffix)
}

// --- sentinel files ---

func (w *Worker) pauseSignalPresent() bool {
	_, err := os.Stat(filepath.Join(w.tempDir, config.PauseSentinel))
	return err == nil
}

// consumeReloadSignal checks for the reload sentinel and removes it, so
// one touch triggers exactly one reload.
func (w *Worker) consumeReloadSignal(ctx context.Context) bool {
	path := filepath.Join(w.tempDir, config.ReloadSentinel)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		logging.Warn(ctx, "removing reload sentinel", zap.Error(err))
	}
	return true
}

// setPaused records pause state transitions, logging only on the edge.
func (w *Worker) setPaused(ctx context.Context, paused bool) {
	w.mu.Lock()
	changed := w.paused != paused
	w.paused = paused
	w.mu.Unlock()

	if !changed {
		return
	}
	if paused {
		logging.Info(ctx, "capture paused by sentinel")
	} else {
		logging.Info(ctx, "capture resumed")
	}
}

// loadFrequency re-reads the frequency config. A missing or malformed
// file keeps the current cadence on reload (and the default on startup);
// out-of-range values fall back to the default.
func (w *Worker) loadFrequency(ctx context.Context, reload bool) {
	freq, fellBack, err := config.ReadFrequency(w.freqPath)
	if err != nil {
		if reload {
			logging.Warn(ctx, "frequency reload failed, keeping current cadence",
				zap.Duration("frequency", w.Frequency()), zap.Error(err))
			return
		}
		logging.Debug(ctx, "no frequency config, using default",
			zap.Float64("frequency_seconds", config.DefaultFrequency))
	}
	if fellBack {
		logging.Warn(ctx, "configured frequency out of range, using default",
			zap.Float64("frequency_seconds", config.DefaultFrequency))
	}

	d := time.Duration(freq * float64(time.Second))
	w.mu.Lock()
	w.frequency = d
	w.mu.Unlock()

	if reload {
		logging.Info(ctx, "capture frequency reloaded", zap.Duration("frequency", d))
	}
}

// wait sleeps for one capture interval in small slices so a pause
// sentinel or shutdown takes effect promptly. Returns false on shutdown.
func (w *Worker) wait(ctx context.Context) bool {
	deadline := time.Now().Add(w.Frequency())
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if w.pauseSignalPresent() {
			return true
		}
		slice := waitSlice
		if remaining < slice {
			slice = remaining
		}
		if !sleepCtx(ctx, slice) {
			return false
		}
	}
}

// sleepCtx sleeps for d, returning false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
