package stdiorpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSubprocess echoes a canned reply for every request it reads, keyed by
// the request id.
type fakeSubprocess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu      sync.Mutex
	replies map[string]json.RawMessage
}

func newFakeSubprocess() *fakeSubprocess {
	f := &fakeSubprocess{replies: map[string]json.RawMessage{}}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	return f
}

func (f *fakeSubprocess) reply(id string, msg string) {
	f.mu.Lock()
	f.replies[id] = json.RawMessage(msg)
	f.mu.Unlock()
}

// serve reads framed requests and answers registered replies.
func (f *fakeSubprocess) serve() {
	d := &Decoder{}
	buf := make([]byte, 4096)
	for {
		n, err := f.stdinR.Read(buf)
		if n > 0 {
			for _, msg := range d.Push(buf[:n]) {
				var env struct {
					ID json.RawMessage `json:"id"`
				}
				if json.Unmarshal(msg, &env) != nil {
					continue
				}
				f.mu.Lock()
				resp := f.replies[NormalizeID(env.ID)]
				f.mu.Unlock()
				if resp != nil {
					_, _ = f.stdoutW.Write(EncodeRawFrame(resp))
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (f *fakeSubprocess) exit() {
	_ = f.stdoutW.Close()
	_ = f.stderrW.Close()
	_ = f.stdinR.Close()
}

func TestCallRoundTrip(t *testing.T) {
	f := newFakeSubprocess()
	defer f.exit()
	f.reply("1", `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	go f.serve()

	ch := NewChannel(f.stdinW, f.stdoutR, f.stderrR, Options{Timeout: 2 * time.Second})
	resp, err := ch.Call(context.Background(), json.RawMessage(`1`), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(string(resp), `"ok":true`) {
		t.Errorf("unexpected reply: %s", resp)
	}
	if ch.Pending() != 0 {
		t.Errorf("pending = %d after resolution", ch.Pending())
	}
}

func TestCallOutOfOrderReplies(t *testing.T) {
	f := newFakeSubprocess()
	defer f.exit()
	go f.serve()

	ch := NewChannel(f.stdinW, f.stdoutR, f.stderrR, Options{Timeout: 2 * time.Second})

	type res struct {
		id   string
		resp json.RawMessage
		err  error
	}
	results := make(chan res, 2)
	for _, id := range []string{"1", "2"} {
		go func(id string) {
			payload := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":"%s","method":"m"}`, id))
			r, err := ch.Call(context.Background(), json.RawMessage(`"`+id+`"`), payload)
			results <- res{id: id, resp: r, err: err}
		}(id)
	}
	// wait for both registrations before answering in reverse order
	deadline := time.Now().Add(time.Second)
	for ch.Pending() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("calls never registered")
		}
		time.Sleep(time.Millisecond)
	}
	_, _ = f.stdoutW.Write(EncodeRawFrame([]byte(`{"jsonrpc":"2.0","id":"2","result":"second"}`)))
	first := <-results
	if first.err != nil || first.id != "2" {
		t.Fatalf("first completion = %+v, want id 2", first)
	}
	if ch.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", ch.Pending())
	}
	_, _ = f.stdoutW.Write(EncodeRawFrame([]byte(`{"jsonrpc":"2.0","id":"1","result":"first"}`)))
	second := <-results
	if second.err != nil || second.id != "1" {
		t.Fatalf("second completion = %+v, want id 1", second)
	}
}

func TestUnsolicitedForwarded(t *testing.T) {
	f := newFakeSubprocess()
	defer f.exit()

	got := make(chan json.RawMessage, 1)
	NewChannel(f.stdinW, f.stdoutR, f.stderrR, Options{
		OnUnsolicited: func(msg json.RawMessage) { got <- msg },
	})
	_, _ = f.stdoutW.Write(EncodeRawFrame([]byte(`{"jsonrpc":"2.0","method":"progress","params":{}}`)))
	select {
	case msg := <-got:
		if !strings.Contains(string(msg), "progress") {
			t.Errorf("unexpected message: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not forwarded")
	}
}

func TestTimeoutThenLateReplyIsUnsolicited(t *testing.T) {
	f := newFakeSubprocess()
	defer f.exit()

	got := make(chan json.RawMessage, 1)
	ch := NewChannel(f.stdinW, f.stdoutR, f.stderrR, Options{
		Timeout:       20 * time.Millisecond,
		OnUnsolicited: func(msg json.RawMessage) { got <- msg },
	})
	go func() {
		// drain stdin so the write does not block
		_, _ = io.Copy(io.Discard, f.stdinR)
	}()
	_, err := ch.Call(context.Background(), json.RawMessage(`"late"`), []byte(`{"jsonrpc":"2.0","id":"late","method":"m"}`))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	_, _ = f.stdoutW.Write(EncodeRawFrame([]byte(`{"jsonrpc":"2.0","id":"late","result":"too slow"}`)))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("late reply not routed to unsolicited sink")
	}
}

func TestSubprocessExitFailsPending(t *testing.T) {
	f := newFakeSubprocess()

	ch := NewChannel(f.stdinW, f.stdoutR, f.stderrR, Options{Timeout: 5 * time.Second})
	go func() { _, _ = io.Copy(io.Discard, f.stdinR) }()
	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), json.RawMessage(`"1"`), []byte(`{"jsonrpc":"2.0","id":"1","method":"m"}`))
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for ch.Pending() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("call never registered")
		}
		time.Sleep(time.Millisecond)
	}
	f.exit()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("err = %v, want ErrChannelClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call survived subprocess exit")
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel never reported termination")
	}
	// channel refuses new work once terminal
	if _, err := ch.Call(context.Background(), json.RawMessage(`"2"`), []byte(`{}`)); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("call after exit: %v, want ErrChannelClosed", err)
	}
}

func TestStderrSurvivesOversizedLine(t *testing.T) {
	// a single line past the scanner limit must not end stderr forwarding
	giant := strings.Repeat("x", 2<<20)
	stderr := strings.NewReader(giant + "\nafter the flood\n")

	stdinR, stdinW := io.Pipe()
	stdoutR, _ := io.Pipe()
	defer stdinR.Close()
	go func() { _, _ = io.Copy(io.Discard, stdinR) }()

	chunks := make(chan string, 128)
	NewChannel(stdinW, stdoutR, stderr, Options{
		OnStderr: func(line string) { chunks <- line },
	})

	var all strings.Builder
	deadline := time.After(2 * time.Second)
	for !strings.Contains(all.String(), "after the flood") {
		select {
		case c := <-chunks:
			all.WriteString(c)
		case <-deadline:
			t.Fatal("stderr forwarding stopped after oversized line")
		}
	}
}

func TestStderrForwarded(t *testing.T) {
	f := newFakeSubprocess()
	defer f.exit()

	lines := make(chan string, 2)
	NewChannel(f.stdinW, f.stdoutR, f.stderrR, Options{
		OnStderr: func(line string) { lines <- line },
	})
	_, _ = f.stderrW.Write([]byte("warning: something\nsecond line\n"))
	for _, want := range []string{"warning: something", "second line"} {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("line = %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("stderr line not forwarded")
		}
	}
}
