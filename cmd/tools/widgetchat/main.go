package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/sitechat/backend/internal/widgetclient"
)

type options struct {
	server   string
	apiKey   string
	cacheDir string
	timeout  time.Duration
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "widgetchat",
		Short: "Talk to a sitechat backend the way the embedded widget does",
		Long: `widgetchat exchanges a site API key for a visitor session, then chats
over the relay socket. The session token and transcript are cached in a
Badger directory so later runs resume the same visitor.`,
		SilenceUsage: true,
	}

	defaultCache := ""
	if home, err := os.UserHomeDir(); err == nil {
		defaultCache = filepath.Join(home, ".sitechat", "widget")
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", "http://localhost:8080", "backend base URL")
	flags.StringVar(&opts.apiKey, "api-key", "", "site API key")
	flags.StringVar(&opts.cacheDir, "cache-dir", defaultCache, "Badger cache directory, empty keeps the cache in memory")
	flags.DurationVar(&opts.timeout, "timeout", 45*time.Second, "per-request timeout")
	_ = rootCmd.MarkPersistentFlagRequired("api-key")

	rootCmd.AddCommand(newInitCmd(opts), newChatCmd(opts), newHistoryCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newInitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Obtain (or reuse) a visitor session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(c *widgetclient.Client) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
				defer cancel()

				token, err := c.Init(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
}

func newChatCmd(opts *options) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation; reads lines from stdin unless --message is set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(c *widgetclient.Client) error {
				if err := connect(cmd.Context(), opts, c); err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				if message != "" {
					return send(cmd.Context(), opts, c, out, message)
				}

				fmt.Fprintln(out, "👋 Hi there! How can I help you today? (Ctrl-D to quit)")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					if err := send(cmd.Context(), opts, c, out, line); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					}
				}
				return scanner.Err()
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the cached transcript of the current visitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(c *widgetclient.Client) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
				defer cancel()
				if _, err := c.Init(ctx); err != nil {
					return err
				}
				history, err := c.History()
				if err != nil {
					return err
				}
				for _, m := range history {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), m.Sender, m.Text)
				}
				return nil
			})
		},
	}
}

// withClient opens the cache, runs fn and releases both.
func withClient(opts *options, fn func(*widgetclient.Client) error) error {
	if opts.cacheDir != "" {
		if err := os.MkdirAll(opts.cacheDir, 0o700); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	storage, err := widgetclient.OpenBadgerStorage(opts.cacheDir)
	if err != nil {
		return err
	}
	defer storage.Close()

	c := widgetclient.New(widgetclient.Options{
		BaseURL: opts.server,
		APIKey:  opts.apiKey,
		Storage: storage,
	})
	defer c.Close()

	return fn(c)
}

func connect(ctx context.Context, opts *options, c *widgetclient.Client) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if _, err := c.Init(ctx); err != nil {
		return err
	}
	_, err := c.Connect(ctx)
	return err
}

// send delivers one line. The CLI does not answer pings while idle, so a
// dropped socket is re-authenticated once, which starts a new conversation.
func send(ctx context.Context, opts *options, c *widgetclient.Client, out io.Writer, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	reply, err := c.Send(sendCtx, text)
	var replyErr *widgetclient.ReplyError
	if err != nil && !errors.As(err, &replyErr) && !errors.Is(err, widgetclient.ErrEmptyMessage) {
		if cerr := connect(ctx, opts, c); cerr != nil {
			return fmt.Errorf("%w (reconnect: %v)", err, cerr)
		}
		retryCtx, retryCancel := context.WithTimeout(ctx, opts.timeout)
		defer retryCancel()
		reply, err = c.Send(retryCtx, text)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "bot: %s\n", reply.Text)
	return nil
}
