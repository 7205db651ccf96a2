// Package progress reports the progress of long running transfers.
package progress

import (
	"log/slog"
	"time"
)

// Reporter logs at most one progress line per second, and a summary when done.
// It is silent unless Verbose is set.
type Reporter struct {
	Verbose bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time

	total int
	start time.Time
	last  time.Time
}

func (r *Reporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reporter) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Begin starts tracking a transfer of total bytes.
func (r *Reporter) Begin(total int) {
	r.total = total
	r.start = r.now()
	r.last = r.start
}

// Report records that remaining bytes are left.
func (r *Reporter) Report(remaining int) {
	if !r.Verbose {
		return
	}
	now := r.now()
	if now.Sub(r.last) < time.Second {
		return
	}
	r.last = now

	done := r.total - remaining
	elapsed := now.Sub(r.start)
	attrs := []any{
		"bytes", done,
		"percent", float32(done) * 100 / float32(max(r.total, 1)),
		"elapsed", int(elapsed.Seconds()),
	}
	if done > 0 {
		eta := elapsed.Seconds()*float64(r.total)/float64(done) - elapsed.Seconds()
		attrs = append(attrs, "eta", int(eta))
	}
	r.logger().Info("Progress...", attrs...)
}

// End logs the total time taken and the average throughput.
func (r *Reporter) End() {
	if !r.Verbose {
		return
	}
	took := r.now().Sub(r.start)
	secs := max(took.Seconds(), 1)
	r.logger().Info("Done!", "bytes", r.total, "seconds", int(took.Seconds()), "bps", int(float64(r.total)/secs))
}
