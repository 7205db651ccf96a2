// Package transfer moves bridge bursts over a pair of bulk endpoints.
//
// Short exchanges use Sync, which issues a single blocking transfer. Bursts
// use Stream, which submits the bulk OUT burst and the bulk IN reads that
// answer it concurrently, and waits for their completions to arrive on a
// channel. A burst is never interrupted once submitted: cancellation of the
// caller's context is only observed by callers between bursts.
package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/srcpony/ch341prog/pkg/ch341"
	"github.com/srcpony/ch341prog/pkg/devices"
)

// DefaultTimeout is applied to every single bulk transfer.
const DefaultTimeout = 1000 * time.Millisecond

type Direction int

const (
	Out Direction = iota
	In
)

func (d Direction) String() string {
	switch d {
	case Out:
		return "bulk out"
	case In:
		return "bulk in"
	}
	return "UNKNOWN"
}

// Error is returned when a bulk transfer does not complete successfully.
type Error struct {
	Op     string
	Length int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s of %d bytes failed: %v", e.Op, e.Length, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Engine struct {
	eps     devices.BulkEndpoints
	timeout time.Duration
}

type Option func(*Engine)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func New(eps devices.BulkEndpoints, opts ...Option) *Engine {
	e := &Engine{
		eps:     eps,
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) fail(op string, length int, err error) error {
	glog.Errorf("%s: %d bytes: %v", op, length, err)
	return &Error{Op: op, Length: length, Err: err}
}

// Sync performs a single blocking bulk transfer in the given direction and
// returns the number of bytes transferred. Writes must transfer all of buf.
func (e *Engine) Sync(dir Direction, buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	var n int
	var err error
	switch dir {
	case Out:
		n, err = e.eps.Out.WriteContext(ctx, buf)
		if err == nil && n != len(buf) {
			err = fmt.Errorf("short write (%d bytes)", n)
		}
	case In:
		n, err = e.eps.In.ReadContext(ctx, buf)
	default:
		err = fmt.Errorf("invalid direction %d", dir)
	}
	if err != nil {
		return n, e.fail(dir.String(), len(buf), err)
	}
	return n, nil
}

type completion struct {
	dir  Direction
	data []byte
	err  error
}

// Stream sends burst and collects the packets bulk IN packets the bridge
// answers with. Received bytes are bit-reversed into dst, dropping the first
// skip bytes of the first packet (these are shifted in while the command and
// address go out). dst may be nil if the response is not needed; bytes that do
// not fit into dst are dropped. Stream returns the number of bytes written to
// dst.
//
// Cancelling ctx does not interrupt the burst.
func (e *Engine) Stream(ctx context.Context, burst []byte, dst []byte, packets, skip int) (int, error) {
	if packets < 0 || packets > ch341.MaxPackets {
		return 0, fmt.Errorf("invalid packet count %d", packets)
	}

	ctx, abort := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan completion, packets+1)
	var wg sync.WaitGroup
	defer func() {
		abort()
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		tctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		n, err := e.eps.Out.WriteContext(tctx, burst)
		if err == nil && n != len(burst) {
			err = fmt.Errorf("short write (%d bytes)", n)
		}
		done <- completion{dir: Out, err: err}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < packets; i++ {
			buf := make([]byte, ch341.PacketLength)
			tctx, cancel := context.WithTimeout(ctx, e.timeout)
			n, err := e.eps.In.ReadContext(tctx, buf)
			cancel()
			done <- completion{dir: In, data: buf[:n], err: err}
			if err != nil {
				return
			}
		}
	}()

	var (
		received int
		written  int
		outDone  bool
	)
	for received < packets || !outDone {
		c := <-done
		if c.err != nil {
			length := len(burst)
			if c.dir == In {
				length = ch341.PacketLength
			}
			return written, e.fail(c.dir.String(), length, c.err)
		}
		switch c.dir {
		case Out:
			outDone = true
		case In:
			data := c.data
			if received == 0 {
				data = data[min(skip, len(data)):]
			}
			if written < len(dst) {
				written += ch341.ReverseInto(dst[written:], data)
			}
			received += 1
		}
	}
	return written, nil
}
