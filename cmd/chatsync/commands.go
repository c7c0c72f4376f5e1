package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/chatsync/internal/auth"
	"github.com/PaulBabatuyi/chatsync/internal/config"
	"github.com/PaulBabatuyi/chatsync/internal/logger"
	"github.com/PaulBabatuyi/chatsync/internal/metrics"
	"github.com/PaulBabatuyi/chatsync/internal/rpc"
)

// app carries what every command shares once the root has set it up.
type app struct {
	in          io.Reader
	out         io.Writer
	metricsAddr string

	cfg config.Client
	log *zap.Logger
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{in: in, out: out}

	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Terminal client for the chatsync backend",
		Long: `chatsync runs the synchronization engine against a chatsync backend:
the conversation list, an open conversation's message log and the
realtime event stream. Credentials come from CHATSYNC_TOKEN or
CHATSYNC_EMAIL and CHATSYNC_PASSWORD.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level := cfg.LogLevel
			if level == "" {
				level = "warn"
			}
			log, err := logger.New(level)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetIn(in)
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		&cobra.Command{
			Use:   "register",
			Short: "Create the account named by CHATSYNC_EMAIL",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return authenticate(cmd.Context(), a.cfg, "register", a.out)
			},
		},
		&cobra.Command{
			Use:   "login",
			Short: "Print a token for CHATSYNC_EMAIL",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return authenticate(cmd.Context(), a.cfg, "login", a.out)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List conversations",
			Args:  cobra.NoArgs,
			RunE: a.withEngine(func(ctx context.Context, e *engine, _ []string) error {
				return e.printList(ctx, a.out)
			}),
		},
		&cobra.Command{
			Use:   "direct <user-id>",
			Short: "Open or create a direct conversation",
			Args:  cobra.ExactArgs(1),
			RunE: a.withEngine(func(ctx context.Context, e *engine, args []string) error {
				c, err := e.list.CreateDirect(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, c.ID)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "group <title> <user-id>...",
			Short: "Create a group conversation",
			Args:  cobra.MinimumNArgs(2),
			RunE: a.withEngine(func(ctx context.Context, e *engine, args []string) error {
				c, err := e.list.CreateGroup(ctx, args[1:], args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, c.ID)
				return nil
			}),
		},
		a.actionCmd("mute", "Toggle mute"),
		a.actionCmd("archive", "Archive a conversation"),
		a.actionCmd("delete", "Delete a conversation"),
		&cobra.Command{
			Use:   "open <conversation-id>",
			Short: "Show history, stream events and send lines read from stdin",
			Args:  cobra.ExactArgs(1),
			RunE: a.withEngine(func(ctx context.Context, e *engine, args []string) error {
				return e.open(ctx, args[0], a.in, a.out)
			}),
		},
	)
	return root
}

func (a *app) actionCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(ctx context.Context, e *engine, args []string) error {
			return e.conversationAction(ctx, name, args[0])
		}),
	}
}

// withEngine authenticates, dials the backend and hands a running engine to
// fn. Everything is torn down when fn returns.
func (a *app) withEngine(fn func(ctx context.Context, e *engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		token := a.cfg.Token
		if token == "" {
			resp, err := login(ctx, a.cfg)
			if err != nil {
				return err
			}
			token = resp.Token
		}
		actor, err := auth.ActorFromToken(token)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}

		conn, err := dial(a.cfg, token)
		if err != nil {
			return err
		}
		defer conn.Close()

		reg := prometheus.NewRegistry()
		if a.metricsAddr != "" {
			srv := serveMetrics(a.metricsAddr, reg, a.log)
			defer func() { _ = srv.Close() }()
		}

		e := newEngine(actor, rpc.NewClient(conn), a.cfg, a.log, metrics.New(reg))
		defer e.close()
		return fn(ctx, e, args)
	}
}
