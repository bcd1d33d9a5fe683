package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Envelope
}

func (r *recordingSender) Send(env Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, e := range r.sent {
		out = append(out, e.Event)
	}
	return out
}

func (r *recordingSender) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.sent {
		if e.Event == EventFinalComplete || e.Event == EventError {
			n++
		}
	}
	return n
}

func TestOpenSessionHandshakeNewConversation(t *testing.T) {
	sender := &recordingSender{}
	s, err := OpenSession(SessionConfig{ConvID: "c1", NewConversation: true, Sender: sender})
	require.NoError(t, err)
	defer s.CompleteFinal(0)

	require.Equal(t, []string{EventRoom, EventConnect}, sender.events())
}

func TestOpenSessionHandshakeExistingConversation(t *testing.T) {
	sender := &recordingSender{}
	s, err := OpenSession(SessionConfig{ConvID: "c1", Sender: sender})
	require.NoError(t, err)
	defer s.CompleteFinal(0)

	require.Equal(t, []string{EventConnect}, sender.events())
}

func TestSessionExactlyOneTerminalUnderRace(t *testing.T) {
	defer goleak.VerifyNone(t)

	sender := &recordingSender{}
	s, err := OpenSession(SessionConfig{ConvID: "c1", Sender: sender})
	require.NoError(t, err)

	var wg sync.WaitGroup
	performed := make(chan bool, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			performed <- s.CompleteFinal(3)
		}()
		go func() {
			defer wg.Done()
			performed <- s.CompleteError("boom", nil)
		}()
	}
	wg.Wait()
	close(performed)

	wins := 0
	for ok := range performed {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, sender.terminalCount())
	require.True(t, s.Completed())
}

func TestSessionSendDroppedAfterCancel(t *testing.T) {
	sender := &recordingSender{}
	s, err := OpenSession(SessionConfig{ConvID: "c1", Sender: sender})
	require.NoError(t, err)
	defer s.CompleteError("done", nil)

	before := len(sender.events())
	s.Cancel()
	s.Send(ContentEnvelope(ContentData{Chunk: "late"}))
	require.Len(t, sender.events(), before)
}

func TestSessionTerminalBypassesCancel(t *testing.T) {
	sender := &recordingSender{}
	s, err := OpenSession(SessionConfig{ConvID: "c1", Sender: sender})
	require.NoError(t, err)

	s.Cancel()
	require.True(t, s.CompleteFinal(2))
	require.Equal(t, 1, sender.terminalCount())
}

func TestSessionDoneClosedOnTerminal(t *testing.T) {
	sender := &recordingSender{}
	s, err := OpenSession(SessionConfig{ConvID: "c1", Sender: sender})
	require.NoError(t, err)

	select {
	case <-s.Done():
		t.Fatal("done closed before the terminal signal")
	default:
	}

	require.True(t, s.CompleteFinal(2))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after the terminal signal")
	}
}

func TestSessionHardTimeoutForcesErrorTerminal(t *testing.T) {
	sender := &recordingSender{}
	s, err := OpenSession(SessionConfig{ConvID: "c1", Sender: sender, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Completed() }, time.Second, 5*time.Millisecond)
	require.True(t, s.Cancelled())

	evs := sender.events()
	require.Equal(t, EventError, evs[len(evs)-1])

	// A late normal completion must lose the race and stay silent.
	require.False(t, s.CompleteFinal(3))
	require.Equal(t, 1, sender.terminalCount())
}
