package sync

import (
	"context"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/drivesync/drivesync/internal/config"
)

// burstMultiplier controls the token bucket burst size relative to the
// per-second rate. A 2x burst lets short savings be spent on the next
// read or write without raising sustained throughput above the limit.
const burstMultiplier = 2

// RateLimiter throttles transfer streams with a shared token bucket. One
// limiter may be shared by every concurrent transfer in a direction (or
// both directions, for an aggregate cap), keeping combined throughput
// within the configured rate. A nil *RateLimiter means unlimited; the
// wrap methods are nil-safe.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter for the given rate in bytes per
// second. Returns nil for rates <= 0 (unlimited).
func NewRateLimiter(bytesPerSec int64, logger *slog.Logger) *RateLimiter {
	if bytesPerSec <= 0 {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Debug("rate limiter created",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// buildTransferLimiters resolves the configured and per-run rates into
// upload and download limiters. When only the aggregate limit is set,
// both directions share a single limiter so their combined throughput
// honors the cap; any per-direction limit (config or CLI) splits them.
func buildTransferLimiters(tc config.TransfersConfig, opts Options, logger *slog.Logger) (up, down *RateLimiter, err error) {
	upRate, err := tc.UploadRate()
	if err != nil {
		return nil, nil, err
	}

	downRate, err := tc.DownloadRate()
	if err != nil {
		return nil, nil, err
	}

	if opts.UploadRate > 0 {
		upRate = opts.UploadRate
	}

	if opts.DownloadRate > 0 {
		downRate = opts.DownloadRate
	}

	aggregateOnly := opts.UploadRate == 0 && opts.DownloadRate == 0 &&
		tc.UploadLimit == "" && tc.DownloadLimit == "" && tc.BandwidthLimit != ""
	if aggregateOnly {
		shared := NewRateLimiter(upRate, logger)
		return shared, shared, nil
	}

	return NewRateLimiter(upRate, logger), NewRateLimiter(downRate, logger), nil
}

// WrapReader returns a rate-limited io.Reader. If rl is nil, r is
// returned unchanged.
func (rl *RateLimiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if rl == nil {
		return r
	}

	return &rateLimitedReader{r: r, limiter: rl.limiter, ctx: ctx}
}

// WrapWriter returns a rate-limited io.Writer. If rl is nil, w is
// returned unchanged.
func (rl *RateLimiter) WrapWriter(ctx context.Context, w io.Writer) io.Writer {
	if rl == nil {
		return w
	}

	return &rateLimitedWriter{w: w, limiter: rl.limiter, ctx: ctx}
}

// rateLimitedReader blocks after each successful read until the limiter
// allows the bytes consumed.
type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// rateLimitedWriter blocks after each successful write until the limiter
// allows the bytes produced.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		if waitErr := waitN(w.ctx, w.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits a large token request into burst-sized chunks.
// rate.Limiter.WaitN rejects requests exceeding the burst size.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
