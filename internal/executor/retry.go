package executor

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

// IsRetryableError classifies a Go error returned from an Adapter's Execute
// call (infrastructure failure, not a business-level kernel.AdapterResult.
// Error) as retryable or not. A step timeout (context.DeadlineExceeded) is
// retryable; a cancelled run (context.Canceled) is not, since cancellation
// means the run is shutting down, not that this one step misbehaved.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var kerr *kernel.KernelError
	if errors.As(err, &kerr) {
		return kerr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// WaitForBackoff sleeps for delay, or returns ctx.Err() if ctx is cancelled
// first. A non-positive delay returns immediately.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
