package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/character-chat/internal/chatclient"
)

type options struct {
	server string
	user   string
	token  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chatcli",
		Short:         "Chat with characters from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CHAT_SERVER", "http://localhost:8080"), "chat API base URL")
	root.PersistentFlags().StringVar(&opts.user, "user", os.Getenv("CHAT_USER"), "user id")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CHAT_TOKEN"), "identity bearer token")

	root.AddCommand(
		newChatCmd(opts),
		newHistoryCmd(opts),
		newResetCmd(opts),
		newCharactersCmd(opts),
	)
	return root
}

func (o *options) client() *chatclient.Client {
	var opts []chatclient.Option
	if o.token != "" {
		opts = append(opts, chatclient.WithToken(o.token))
	}
	return chatclient.New(o.server, opts...)
}

func (o *options) requireUser() error {
	if o.user == "" && o.token == "" {
		return errors.New("--user (or --token) is required")
	}
	return nil
}

func newChatCmd(opts *options) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "chat <character>",
		Short: "Start or continue a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireUser(); err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			r := chatclient.NewReconciler(opts.client(), opts.user, args[0], func(entries []chatclient.Entry) {
				if n := len(entries); n > 0 && entries[n-1].State == chatclient.EntryThinking {
					fmt.Fprintln(out, "  ...")
				}
			})

			if err := r.Refresh(ctx); err != nil {
				return err
			}
			name := args[0]
			if ch := r.Character(); ch != nil && ch.DisplayName != "" {
				name = ch.DisplayName
			}

			if message != "" {
				return say(ctx, r, out, name, message)
			}

			printEntries(out, name, r.Entries())
			fmt.Fprintln(out, "(/retry answers your last message again, /reset clears the conversation, /quit exits)")
			return repl(ctx, r, cmd.InOrStdin(), out, name)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

func repl(ctx context.Context, r *chatclient.Reconciler, in io.Reader, out io.Writer, name string) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := r.Reset(ctx); err != nil {
				fmt.Fprintf(out, "reset failed: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "conversation cleared")
			continue
		case "/retry":
			reply, err := r.Retry(ctx)
			if reply != "" {
				fmt.Fprintf(out, "%s: %s\n", name, reply)
			}
			if err != nil {
				fmt.Fprintf(out, "retry failed: %v\n", err)
			}
			continue
		}
		if err := say(ctx, r, out, name, line); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func say(ctx context.Context, r *chatclient.Reconciler, out io.Writer, name, text string) error {
	reply, err := r.Submit(ctx, text)
	if reply != "" {
		fmt.Fprintf(out, "%s: %s\n", name, reply)
	}
	return err
}

func printEntries(out io.Writer, name string, entries []chatclient.Entry) {
	for _, e := range entries {
		who := "you"
		if e.Role == "model" {
			who = name
		}
		fmt.Fprintf(out, "%s: %s\n", who, e.Text)
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <character>",
		Short: "Print the conversation with a character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireUser(); err != nil {
				return err
			}
			h, err := opts.client().History(cmd.Context(), opts.user, args[0])
			if err != nil {
				return err
			}
			name := args[0]
			if h.Character != nil && h.Character.DisplayName != "" {
				name = h.Character.DisplayName
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conversation %s\n", h.ConversationID)
			for _, m := range h.Messages {
				who := "you"
				if m.Role == "model" {
					who = name
				}
				fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), who, m.Text)
			}
			return nil
		},
	}
}

func newResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <character>",
		Short: "Clear the conversation with a character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireUser(); err != nil {
				return err
			}
			r := chatclient.NewReconciler(opts.client(), opts.user, args[0], nil)
			if err := r.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "conversation cleared")
			return nil
		},
	}
}

func newCharactersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "characters",
		Short: "List available characters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			chars, err := opts.client().Characters(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDISPLAY NAME\tDESCRIPTION")
			for _, c := range chars {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.DisplayName, c.Description)
			}
			return tw.Flush()
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
