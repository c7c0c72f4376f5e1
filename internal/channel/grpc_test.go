package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/rpc"
)

// fakeStream is one Connect stream. Tests push events and failures into it
// and read back the frames the transport wrote.
type fakeStream struct {
	grpc.ClientStream

	ctx    context.Context
	events chan *chat.Event
	fail   chan error

	mu     sync.Mutex
	frames []rpc.Frame
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, events: make(chan *chat.Event, 8), fail: make(chan error, 1)}
}

func (s *fakeStream) Send(f *rpc.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, *f)
	return nil
}

func (s *fakeStream) Recv() (*chat.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.fail:
		return nil, err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeStream) sent() []rpc.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rpc.Frame(nil), s.frames...)
}

type streamFactory struct {
	streams chan *fakeStream
}

func (f *streamFactory) connect(ctx context.Context) (rpc.ConnectClient, error) {
	s := newFakeStream(ctx)
	f.streams <- s
	return s, nil
}

func (f *streamFactory) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-f.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stream was opened")
		return nil
	}
}

func newTransport() (*GRPCTransport, *streamFactory) {
	f := &streamFactory{streams: make(chan *fakeStream, 4)}
	return NewGRPCTransport(f.connect, 10*time.Millisecond, nil), f
}

func run(t *testing.T, tr *GRPCTransport) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestGRPCTransport_SendWhileDisconnected(t *testing.T) {
	tr := NewGRPCTransport(nil, 0, nil)

	assert.ErrorIs(t, tr.SendTyping(context.Background(), "c1", true), chat.ErrDisconnected)
	assert.ErrorIs(t, tr.MarkAsRead(context.Background(), "c1"), chat.ErrDisconnected)
	assert.ErrorIs(t, tr.SendRealtime(context.Background(), chat.Outgoing{ConversationID: "c1"}), chat.ErrDisconnected)

	require.NoError(t, tr.Join(context.Background(), "c1"), "joins wait for the next stream")
	assert.False(t, tr.Connected())
}

func TestGRPCTransport_RejoinsAfterReconnect(t *testing.T) {
	tr, f := newTransport()
	require.NoError(t, tr.Join(context.Background(), "b"))
	require.NoError(t, tr.Join(context.Background(), "a"))
	cancel, done := run(t, tr)

	first := f.next(t)
	require.Eventually(t, tr.Connected, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(first.sent()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []rpc.Frame{
		{Op: rpc.OpJoin, ConversationID: "a"},
		{Op: rpc.OpJoin, ConversationID: "b"},
	}, first.sent()[:2])

	require.NoError(t, tr.Leave(context.Background(), "b"))
	require.NoError(t, tr.SendTyping(context.Background(), "a", true))
	frames := first.sent()
	assert.Equal(t, rpc.Frame{Op: rpc.OpLeave, ConversationID: "b"}, frames[len(frames)-2])
	assert.Equal(t, rpc.Frame{Op: rpc.OpTyping, ConversationID: "a", Typing: true}, frames[len(frames)-1])

	first.events <- &chat.Event{Type: chat.MessageReceived, ConversationID: "a"}
	select {
	case ev := <-tr.Events():
		assert.Equal(t, chat.MessageReceived, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event was not forwarded")
	}

	first.fail <- errors.New("connection reset")
	second := f.next(t)
	require.Eventually(t, func() bool { return len(second.sent()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []rpc.Frame{{Op: rpc.OpJoin, ConversationID: "a"}}, second.sent())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	tr.Close()
	_, open := <-tr.Events()
	assert.False(t, open, "the event channel closes with the transport")
}

func TestGRPCTransport_RunAgainAfterCancel(t *testing.T) {
	tr, f := newTransport()
	require.NoError(t, tr.Join(context.Background(), "a"))

	cancel, done := run(t, tr)
	f.next(t)
	require.Eventually(t, tr.Connected, time.Second, 5*time.Millisecond)
	assert.NoError(t, tr.Run(context.Background()), "a second Run while one is active returns at once")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	require.Eventually(t, func() bool { return !tr.Connected() }, time.Second, 5*time.Millisecond)

	_, done = run(t, tr)
	second := f.next(t)
	require.Eventually(t, func() bool { return len(second.sent()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []rpc.Frame{{Op: rpc.OpJoin, ConversationID: "a"}}, second.sent())

	tr.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Close did not stop Run")
	}
	_, open := <-tr.Events()
	assert.False(t, open)
	assert.ErrorIs(t, tr.Run(context.Background()), chat.ErrDisconnected)
	tr.Close()
}

func TestGRPCTransport_RealtimeFrame(t *testing.T) {
	tr, f := newTransport()
	run(t, tr)
	s := f.next(t)
	require.Eventually(t, tr.Connected, time.Second, 5*time.Millisecond)

	o := chat.Outgoing{ClientID: "tmp-1", ConversationID: "c1", Kind: chat.KindText, Content: "hi"}
	require.NoError(t, tr.SendRealtime(context.Background(), o))

	frames := s.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, rpc.OpSend, frames[0].Op)
	require.NotNil(t, frames[0].Message)
	assert.Equal(t, "tmp-1", frames[0].Message.ClientID)
}
