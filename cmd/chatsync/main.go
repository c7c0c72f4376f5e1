// Command chatsync is a terminal client for the chatsync backend. It runs
// the synchronization engine: the conversation list, an open conversation's
// message log and the realtime event stream.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/PaulBabatuyi/chatsync/internal/auth"
	"github.com/PaulBabatuyi/chatsync/internal/channel"
	"github.com/PaulBabatuyi/chatsync/internal/config"
	"github.com/PaulBabatuyi/chatsync/internal/history"
	"github.com/PaulBabatuyi/chatsync/internal/metrics"
	"github.com/PaulBabatuyi/chatsync/internal/middleware"
	"github.com/PaulBabatuyi/chatsync/internal/rpc"
	"github.com/PaulBabatuyi/chatsync/internal/store"
)

// callsPerSecond caps unary calls so a burst of input cannot flood the
// backend's rate limiter.
const callsPerSecond = 20

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "chatsync:", err)
		stop()
		os.Exit(1)
	}
}

func dial(cfg config.Client, token string) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	if token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.TokenCredentials{Token: token, Insecure: cfg.Insecure}))
	}
	opts = append(opts, grpc.WithUnaryInterceptor(
		middleware.PacingUnaryClientInterceptor(rate.NewLimiter(callsPerSecond, callsPerSecond)),
	))
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	return conn, nil
}

func login(ctx context.Context, cfg config.Client) (*rpc.AuthResponse, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, errors.New("CHATSYNC_TOKEN or CHATSYNC_EMAIL and CHATSYNC_PASSWORD must be set")
	}
	conn, err := dial(cfg, "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	resp, err := rpc.NewClient(conn).Login(ctx, &rpc.LoginRequest{Email: cfg.Email, Password: cfg.Password})
	if err != nil {
		return nil, fmt.Errorf("login: %w", rpc.FromStatus(err))
	}
	return resp, nil
}

// authenticate runs the register and login commands and prints the token.
func authenticate(ctx context.Context, cfg config.Client, cmd string, out io.Writer) error {
	var (
		resp *rpc.AuthResponse
		err  error
	)
	if cmd == "login" {
		resp, err = login(ctx, cfg)
	} else {
		if cfg.Email == "" || cfg.Password == "" {
			return errors.New("CHATSYNC_EMAIL and CHATSYNC_PASSWORD must be set")
		}
		var conn *grpc.ClientConn
		if conn, err = dial(cfg, ""); err != nil {
			return err
		}
		defer conn.Close()
		resp, err = rpc.NewClient(conn).Register(ctx, &rpc.RegisterRequest{Email: cfg.Email, Password: cfg.Password})
		if err != nil {
			err = fmt.Errorf("register: %w", rpc.FromStatus(err))
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user %s\ntoken %s\nexpires %s\n", resp.UserID, resp.Token, time.Unix(resp.ExpiresAt, 0).Format(time.RFC3339))
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

// engine bundles the client side of the synchronization engine.
type engine struct {
	actor     string
	cfg       config.Client
	log       *zap.Logger
	metrics   *metrics.Metrics
	client    *rpc.Client
	fetch     *history.Client
	transport *channel.GRPCTransport
	hub       *channel.Hub
	list      *store.ConversationStore

	mu         sync.Mutex
	listChange func()
}

func newEngine(actor string, client *rpc.Client, cfg config.Client, log *zap.Logger, m *metrics.Metrics) *engine {
	transport := channel.NewGRPCTransport(func(ctx context.Context) (rpc.ConnectClient, error) {
		return client.Connect(ctx)
	}, channel.DefaultReconnectInterval, log)
	hub := channel.NewHub(transport, log, m)
	fetch := history.New(client)
	e := &engine{
		actor:     actor,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		client:    client,
		fetch:     fetch,
		transport: transport,
		hub:       hub,
	}
	e.list = store.NewConversationStore(store.ConversationStoreConfig{
		ActorID:      actor,
		Fetcher:      fetch,
		Channel:      hub,
		TypingExpiry: cfg.TypingExpiry,
		Logger:       log,
		OnChange: func() {
			e.mu.Lock()
			h := e.listChange
			e.mu.Unlock()
			if h != nil {
				h()
			}
		},
	})
	e.list.Start()
	return e
}

// close stops the list store and the event stream.
func (e *engine) close() {
	e.list.Close()
	e.transport.Close()
}

// onListChange installs the callback run after every conversation list
// change.
func (e *engine) onListChange(h func()) {
	e.mu.Lock()
	e.listChange = h
	e.mu.Unlock()
}

// connect runs the event stream until ctx is done.
func (e *engine) connect(ctx context.Context) {
	go func() {
		if err := e.transport.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Warn("event stream stopped", zap.Error(err))
		}
	}()
	go func() { _ = e.hub.Run(ctx) }()
}

func (e *engine) conversationAction(ctx context.Context, cmd, id string) error {
	if err := e.list.Load(ctx); err != nil {
		return err
	}
	switch cmd {
	case "mute":
		return e.list.ToggleMute(ctx, id)
	case "archive":
		return e.list.Archive(ctx, id)
	default:
		return e.list.Delete(ctx, id)
	}
}
