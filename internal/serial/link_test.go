package serial

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"polly/internal/logging"
)

type fakePort struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	writes  bytes.Buffer
	readErr error
	closed  bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.readErr != nil {
		err := f.readErr
		f.mu.Unlock()
		return 0, err
	}
	n, _ := f.rx.Read(p)
	f.mu.Unlock()
	if n == 0 {
		time.Sleep(time.Millisecond)
	}
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.writes.Write(p)
}

func (f *fakePort) feed(s string) {
	f.mu.Lock()
	f.rx.WriteString(s)
	f.mu.Unlock()
}

func (f *fakePort) fail(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakePort) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.String()
}

func (f *fakePort) SetDTR(bool) error                  { return nil }
func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) ResetInputBuffer() error            { return nil }
func (f *fakePort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func shrinkLinkTimers(t *testing.T) {
	t.Helper()
	oldBoot, oldDelay, oldRetry := bootQuiescence, reconnectDelay, retryInterval
	bootQuiescence = time.Millisecond
	reconnectDelay = time.Millisecond
	retryInterval = time.Millisecond
	t.Cleanup(func() {
		bootQuiescence, reconnectDelay, retryInterval = oldBoot, oldDelay, oldRetry
	})
}

func TestReaderDispatchesWholeLines(t *testing.T) {
	shrinkLinkTimers(t)

	lines := make(chan string, 8)
	port := &fakePort{}
	l := NewLinkWithOpener("dev", logging.NewRing(false), func(line string) {
		lines <- line
	}, nil, func(string) (Port, error) { return port, nil })

	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	port.feed("{\"d\":30}\r\n{\"d\":31}\npartial")

	for _, want := range []string{`{"d":30}`, `{"d":31}`} {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("line = %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("line %q never arrived", want)
		}
	}
	select {
	case got := <-lines:
		t.Errorf("unexpected extra line %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWriterTerminatesCommands(t *testing.T) {
	shrinkLinkTimers(t)

	port := &fakePort{}
	l := NewLinkWithOpener("dev", logging.NewRing(false), nil, nil,
		func(string) (Port, error) { return port, nil })
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	l.Enqueue(`{"N":6}`)
	l.Enqueue("trailing\n")

	deadline := time.Now().Add(time.Second)
	want := "{\"N\":6}\ntrailing\n"
	for time.Now().Before(deadline) {
		if port.written() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Errorf("port saw %q, want %q", port.written(), want)
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	l := NewLink("dev", logging.NewRing(false), nil, nil)

	// Writer is not running: the queue fills and then drops from the
	// front.
	for i := 0; i < writeQueueCap+10; i++ {
		l.Enqueue(fmt.Sprintf("cmd-%d", i))
	}

	if n := len(l.writeQ); n != writeQueueCap {
		t.Fatalf("queue holds %d, want %d", n, writeQueueCap)
	}
	first := <-l.writeQ
	if first != "cmd-10" {
		t.Errorf("oldest surviving command = %q, want cmd-10", first)
	}
}

func TestReconnectAfterIOError(t *testing.T) {
	shrinkLinkTimers(t)

	var mu sync.Mutex
	opens := 0
	ports := []*fakePort{{}, {}}
	states := make(chan bool, 8)

	l := NewLinkWithOpener("dev", logging.NewRing(false), nil,
		func(connected bool, _ string) { states <- connected },
		func(string) (Port, error) {
			mu.Lock()
			defer mu.Unlock()
			if opens >= len(ports) {
				return nil, &LinkError{Kind: NotFound, Err: errors.New("gone")}
			}
			p := ports[opens]
			opens++
			return p, nil
		})

	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	<-states // connected

	ports[0].fail(errors.New("unplugged"))

	// Disconnected, then reconnected on the second port.
	for _, want := range []bool{false, true} {
		select {
		case got := <-states:
			if got != want {
				t.Fatalf("state = %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("state transition never arrived")
		}
	}
	if !l.Connected() {
		t.Error("link not connected after reconnect")
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	shrinkLinkTimers(t)

	var mu sync.Mutex
	opens := 0
	allow := 1
	l := NewLinkWithOpener("dev", logging.NewRing(false), nil, nil,
		func(string) (Port, error) {
			mu.Lock()
			defer mu.Unlock()
			opens++
			if opens > allow {
				return nil, &LinkError{Kind: NotFound, Err: errors.New("gone")}
			}
			return &fakePort{}, nil
		})

	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	// Kill the port; every reconnect attempt fails.
	l.mu.Lock()
	port := l.port.(*fakePort)
	l.mu.Unlock()
	port.fail(errors.New("unplugged"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if le := l.LastError(); le != nil && le.Kind == RetryExhausted {
			break
		}
		time.Sleep(time.Millisecond)
	}
	le := l.LastError()
	if le == nil || le.Kind != RetryExhausted {
		t.Fatalf("LastError = %v, want RetryExhausted", le)
	}
	if l.Connected() {
		t.Fatal("link should stay closed after exhaustion")
	}

	// Manual retry resets the budget and succeeds.
	mu.Lock()
	allow = opens + 1
	mu.Unlock()
	if err := l.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if !l.Connected() {
		t.Error("link not connected after manual retry")
	}
}

func TestPauseResume(t *testing.T) {
	shrinkLinkTimers(t)

	port := &fakePort{}
	l := NewLinkWithOpener("dev", logging.NewRing(false), nil, nil,
		func(string) (Port, error) { return port, nil })
	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	paused, err := l.Pause()
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused != port {
		t.Fatal("Pause returned a different port")
	}

	// Commands queue but do not transmit while paused.
	l.Enqueue("held")
	time.Sleep(20 * time.Millisecond)
	if got := port.written(); got != "" {
		t.Fatalf("paused link wrote %q", got)
	}

	l.Resume()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if port.written() == "held\n" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Errorf("queued command not sent after resume, port saw %q", port.written())
}
