package channel

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
	"github.com/PaulBabatuyi/chatsync/internal/logger"
	"github.com/PaulBabatuyi/chatsync/internal/rpc"
)

// DefaultReconnectInterval paces reconnection attempts.
const DefaultReconnectInterval = time.Second

const eventBuffer = 64

// ConnectFunc opens a Connect stream.
type ConnectFunc func(ctx context.Context) (rpc.ConnectClient, error)

// GRPCTransport keeps a Connect stream open, reconnecting when it drops and
// joining every joined conversation again on each new stream.
type GRPCTransport struct {
	connect ConnectFunc
	log     *zap.Logger
	pace    *rate.Limiter
	events  chan chat.Event

	mu      sync.Mutex
	stream  rpc.ConnectClient
	joined  map[string]bool
	running chan struct{} // closed when the active Run returns
	cancel  context.CancelFunc
	closed  bool

	// sendMu serializes writes; a gRPC stream allows one sender at a time.
	sendMu sync.Mutex
}

func NewGRPCTransport(connect ConnectFunc, reconnectInterval time.Duration, log *zap.Logger) *GRPCTransport {
	if reconnectInterval <= 0 {
		reconnectInterval = DefaultReconnectInterval
	}
	return &GRPCTransport{
		connect: connect,
		log:     logger.OrNop(log).With(zap.String("component", "transport")),
		pace:    rate.NewLimiter(rate.Every(reconnectInterval), 1),
		events:  make(chan chat.Event, eventBuffer),
		joined:  make(map[string]bool),
	}
}

func (t *GRPCTransport) Events() <-chan chat.Event { return t.events }

// Connected reports whether a stream is currently open.
func (t *GRPCTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream != nil
}

// Run keeps the stream alive until ctx is done. Only one Run is active at a
// time: a call made while another is running returns nil at once, and Run
// may be called again after it returns. Run after Close returns
// ErrDisconnected.
func (t *GRPCTransport) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return chat.ErrDisconnected
	}
	if t.running != nil {
		t.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.running, t.cancel = done, cancel
	t.mu.Unlock()

	defer func() {
		cancel()
		t.mu.Lock()
		t.running, t.cancel = nil, nil
		t.mu.Unlock()
		close(done)
	}()
	return t.loop(ctx)
}

// Close stops the active Run, waits for it and closes the event channel.
// Later calls do nothing.
func (t *GRPCTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	done, cancel := t.running, t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	close(t.events)
}

func (t *GRPCTransport) loop(ctx context.Context) error {
	for {
		if err := t.pace.Wait(ctx); err != nil {
			return ctx.Err()
		}
		err := t.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			t.log.Info("event stream closed by server")
		} else {
			t.log.Warn("event stream lost", zap.Error(err))
		}
	}
}

func (t *GRPCTransport) session(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := t.connect(sctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.stream = stream
	rejoin := make([]string, 0, len(t.joined))
	for id := range t.joined {
		rejoin = append(rejoin, id)
	}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.stream == stream {
			t.stream = nil
		}
		t.mu.Unlock()
	}()

	slices.Sort(rejoin)
	for _, id := range rejoin {
		if err := t.send(&rpc.Frame{Op: rpc.OpJoin, ConversationID: id}); err != nil {
			return err
		}
	}
	t.log.Info("event stream connected", zap.Int("rejoined", len(rejoin)))

	for {
		ev, err := stream.Recv()
		if err != nil {
			return err
		}
		select {
		case t.events <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *GRPCTransport) send(f *rpc.Frame) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return chat.ErrDisconnected
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := stream.Send(f); err != nil {
		return chat.Transport(string(f.Op), err)
	}
	return nil
}

// Join records the conversation and sends a join frame when connected.
// While disconnected the join is deferred to the next stream.
func (t *GRPCTransport) Join(_ context.Context, conversationID string) error {
	t.mu.Lock()
	t.joined[conversationID] = true
	connected := t.stream != nil
	t.mu.Unlock()
	if !connected {
		return nil
	}
	err := t.send(&rpc.Frame{Op: rpc.OpJoin, ConversationID: conversationID})
	if errors.Is(err, chat.ErrDisconnected) {
		return nil
	}
	return err
}

func (t *GRPCTransport) Leave(_ context.Context, conversationID string) error {
	t.mu.Lock()
	delete(t.joined, conversationID)
	connected := t.stream != nil
	t.mu.Unlock()
	if !connected {
		return nil
	}
	err := t.send(&rpc.Frame{Op: rpc.OpLeave, ConversationID: conversationID})
	if errors.Is(err, chat.ErrDisconnected) {
		return nil
	}
	return err
}

func (t *GRPCTransport) SendRealtime(_ context.Context, o chat.Outgoing) error {
	return t.send(&rpc.Frame{Op: rpc.OpSend, ConversationID: o.ConversationID, Message: &o})
}

func (t *GRPCTransport) SendTyping(_ context.Context, conversationID string, typing bool) error {
	return t.send(&rpc.Frame{Op: rpc.OpTyping, ConversationID: conversationID, Typing: typing})
}

func (t *GRPCTransport) MarkAsRead(_ context.Context, conversationID string) error {
	return t.send(&rpc.Frame{Op: rpc.OpRead, ConversationID: conversationID})
}
