// Package stdiorpc bridges JSON-RPC 2.0 over a subprocess's standard streams
// using Content-Length framing: each message is one frame of the form
// "Content-Length: <n>\r\n\r\n<n bytes of UTF-8 JSON>". Replies may arrive in
// any order; the pending table correlates them back to callers by id.
package stdiorpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxMessageBytes bounds buffering for a single frame payload.
const DefaultMaxMessageBytes = 10 << 20

var headerSep = []byte("\r\n\r\n")

// EncodeFrame serializes v to JSON and wraps it in a Content-Length frame.
func EncodeFrame(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return EncodeRawFrame(payload), nil
}

// EncodeRawFrame wraps an already-encoded JSON payload in a Content-Length
// frame. The length is the byte length of the payload, not a rune count.
func EncodeRawFrame(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+32)
	buf = append(buf, "Content-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, headerSep...)
	buf = append(buf, payload...)
	return buf
}

// Decoder incrementally splits a byte stream into Content-Length framed JSON
// messages. A partial frame is retained verbatim until more bytes arrive.
// The decoder is not safe for concurrent use; it is owned by the channel's
// read loop.
type Decoder struct {
	buf []byte

	// skip counts payload bytes of a rejected oversized frame that still
	// have to be discarded before scanning resumes. They are never buffered.
	skip int

	// MaxBytes caps the advertised payload size of a single frame.
	// Zero means DefaultMaxMessageBytes.
	MaxBytes int

	// OnError, when set, receives per-frame decode failures. Reasons:
	// malformed_header, oversize_frame, invalid_json. All are recoverable;
	// decoding continues with the rest of the stream.
	OnError func(reason string, err error)
}

// Push appends p to the internal buffer and returns every complete frame
// payload now available, in stream order.
func (d *Decoder) Push(p []byte) []json.RawMessage {
	if d.skip > 0 {
		if d.skip >= len(p) {
			d.skip -= len(p)
			return nil
		}
		p = p[d.skip:]
		d.skip = 0
	}
	d.buf = append(d.buf, p...)
	var out []json.RawMessage
	for {
		sep := bytes.Index(d.buf, headerSep)
		if sep < 0 {
			return out
		}
		n, ok := contentLength(d.buf[:sep])
		if !ok {
			d.fail("malformed_header", fmt.Errorf("no usable Content-Length in %q", truncate(d.buf[:sep])))
			d.buf = d.buf[sep+len(headerSep):]
			continue
		}
		max := d.MaxBytes
		if max <= 0 {
			max = DefaultMaxMessageBytes
		}
		if n > max {
			d.fail("oversize_frame", fmt.Errorf("frame of %d bytes exceeds limit of %d", n, max))
			// Discard the advertised payload so it never accumulates and
			// cannot corrupt the next frame's header. Whatever has not
			// arrived yet is dropped as it comes in.
			rest := d.buf[sep+len(headerSep):]
			if n >= len(rest) {
				d.skip = n - len(rest)
				d.buf = nil
				return out
			}
			d.buf = rest[n:]
			continue
		}
		start := sep + len(headerSep)
		if len(d.buf) < start+n {
			// incomplete frame; keep everything from the header start
			return out
		}
		payload := d.buf[start : start+n]
		if json.Valid(payload) {
			msg := make(json.RawMessage, n)
			copy(msg, payload)
			out = append(out, msg)
		} else {
			d.fail("invalid_json", fmt.Errorf("frame payload is not valid JSON: %q", truncate(payload)))
		}
		d.buf = d.buf[start+n:]
	}
}

// Buffered reports how many unconsumed bytes the decoder is holding.
func (d *Decoder) Buffered() int { return len(d.buf) }

func (d *Decoder) fail(reason string, err error) {
	if d.OnError != nil {
		d.OnError(reason, err)
	}
}

// contentLength scans a header block for a Content-Length header. The header
// name match is case-insensitive; the value must be a non-negative base-10
// integer.
func contentLength(block []byte) (int, bool) {
	for _, line := range strings.Split(string(block), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func truncate(b []byte) []byte {
	const limit = 256
	if len(b) > limit {
		return b[:limit]
	}
	return b
}
