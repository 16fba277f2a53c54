package stdiorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gaspardpetit/stdiobridge/core/logx"
	"github.com/gaspardpetit/stdiobridge/internal/metrics"
)

// Options configures a Channel.
type Options struct {
	// Timeout is the per-call reply deadline. Zero disables expiry.
	Timeout time.Duration
	// MaxMessageBytes caps a single decoded frame payload.
	MaxMessageBytes int
	// OnUnsolicited receives decoded messages that match no pending call
	// (notifications, late replies). May be nil.
	OnUnsolicited func(json.RawMessage)
	// OnStderr receives subprocess stderr lines verbatim. May be nil.
	OnStderr func(string)
}

// Channel owns the duplex byte streams of one subprocess: it serializes frame
// writes to stdin, runs the single read loop over stdout, and forwards stderr
// to the diagnostic sink. All correlation state lives here.
type Channel struct {
	writeMu sync.Mutex
	stdin   io.Writer

	table *PendingTable
	opts  Options

	closeOnce sync.Once
	done      chan struct{}

	errMu   sync.Mutex
	exitErr error
}

// NewChannel builds a channel over raw streams and starts its read loops.
// stderr may be nil when the subprocess has no separate error stream.
func NewChannel(stdin io.Writer, stdout io.Reader, stderr io.Reader, opts Options) *Channel {
	c := &Channel{
		stdin: stdin,
		table: NewPendingTable(),
		opts:  opts,
		done:  make(chan struct{}),
	}
	go c.readLoop(stdout)
	if stderr != nil {
		go c.stderrLoop(stderr)
	}
	return c
}

// Call writes one framed request and blocks until the matching reply arrives,
// the per-call deadline passes, ctx is done, or the subprocess terminates.
// rawID is the JSON-RPC id exactly as received; payload is forwarded verbatim.
func (c *Channel) Call(ctx context.Context, rawID json.RawMessage, payload []byte) (json.RawMessage, error) {
	id := NormalizeID(rawID)
	call, err := c.table.Register(id, c.opts.Timeout)
	if err != nil {
		return nil, err
	}
	if err := c.write(EncodeRawFrame(payload)); err != nil {
		c.table.Remove(id)
		return nil, fmt.Errorf("write to subprocess: %w", err)
	}
	select {
	case r := <-call.done:
		return r.msg, r.err
	case <-ctx.Done():
		c.table.Remove(id)
		return nil, ctx.Err()
	}
}

// Notify writes one framed message without registering a pending call.
func (c *Channel) Notify(payload []byte) error {
	return c.write(EncodeRawFrame(payload))
}

// Pending returns the number of in-flight calls.
func (c *Channel) Pending() int { return c.table.Len() }

// Done is closed once the subprocess output stream ends.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done is closed.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.exitErr
}

// write appends one frame atomically; concurrent callers never interleave
// header and body bytes.
func (c *Channel) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	_, err := c.stdin.Write(frame)
	return err
}

// shutdown marks the channel terminal: every pending call is rejected and new
// registrations fail.
func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.exitErr = err
		c.errMu.Unlock()
		c.table.FailAll(ErrChannelClosed)
		close(c.done)
	})
}

func (c *Channel) readLoop(stdout io.Reader) {
	dec := &Decoder{
		MaxBytes: c.opts.MaxMessageBytes,
		OnError: func(reason string, err error) {
			metrics.RecordFrameDecodeError(reason)
			logx.Log.Warn().Str("reason", reason).Err(err).Msg("frame decode error")
		},
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, msg := range dec.Push(buf[:n]) {
				metrics.RecordFrameDecoded()
				c.dispatch(msg)
			}
		}
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("subprocess output stream closed: %w", ErrChannelClosed)
			}
			c.shutdown(err)
			return
		}
	}
}

// dispatch resolves a decoded message against the pending table or hands it
// to the unsolicited sink.
func (c *Channel) dispatch(msg json.RawMessage) {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	hasID := json.Unmarshal(msg, &env) == nil && len(env.ID) > 0 && string(env.ID) != "null"
	if hasID && c.table.Resolve(NormalizeID(env.ID), msg) {
		return
	}
	metrics.RecordUnsolicited()
	logx.Log.Debug().Int("bytes", len(msg)).Msg("unsolicited message from subprocess")
	if c.opts.OnUnsolicited != nil {
		c.opts.OnUnsolicited(msg)
	}
}

func (c *Channel) stderrLoop(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		c.forwardStderr(sc.Text())
	}
	if err := sc.Err(); err != nil {
		// A pathological line (e.g. past the scanner's limit) must not kill
		// the diagnostic stream; keep forwarding raw chunks instead.
		logx.Log.Warn().Err(err).Msg("subprocess stderr scan failed; switching to chunked reads")
		buf := make([]byte, 32*1024)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				c.forwardStderr(string(buf[:n]))
			}
			if rerr != nil {
				return
			}
		}
	}
}

func (c *Channel) forwardStderr(line string) {
	metrics.RecordStderrLine()
	logx.Log.Debug().Str("line", line).Msg("subprocess stderr")
	if c.opts.OnStderr != nil {
		c.opts.OnStderr(line)
	}
}
