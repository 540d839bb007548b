package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spy-chat-core/server/internal/agent/model"
	"github.com/spy-chat-core/server/internal/agent/progress"
	"github.com/spy-chat-core/server/internal/api"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr:              a.cfg.HTTP.Addr,
				Handler:           api.NewServer(a.runner, a.personas, a.cfg.HTTP).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logx.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logx.Info().Msg("Shutting down HTTP server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func chatCmd() *cobra.Command {
	var (
		personaID      string
		conversationID string
		maxRounds      int
		showProgress   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a persona from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			persona, err := a.personas.GetPersona(ctx, personaID)
			if err != nil {
				return err
			}
			if conversationID == "" {
				conversationID = uuid.NewString()
			}

			var currentTurn atomic.Value
			currentTurn.Store("")
			if showProgress {
				sub := a.runner.Notifier().Subscribe(conversationID)
				defer sub.Close()
				go printProgress(sub, &currentTurn)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Talking to %s (%s). Conversation %s. Empty line or Ctrl-D quits.\n",
				persona.Name, persona.Codename, conversationID)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					return nil
				}

				turnID := uuid.NewString()
				currentTurn.Store(turnID)
				res, err := a.runner.RunTurn(ctx, model.TurnInput{
					ConversationID: conversationID,
					TurnID:         turnID,
					Persona:        *persona,
					Message:        line,
					MaxRounds:      maxRounds,
				})
				if err != nil {
					fmt.Fprintf(out, "[turn failed: %s]\n", res.Error)
					if ctx.Err() != nil {
						return nil
					}
					continue
				}
				for _, tc := range res.Trace {
					fmt.Fprintf(out, "  [%s %s -> %s]\n", tc.Invocation.Name, tc.Invocation.ArgumentsJSON(), tc.Result.Status)
				}
				fmt.Fprintf(out, "%s: %s\n", persona.Name, res.FinalText)
				if res.Reason == model.TerminationRoundLimit {
					fmt.Fprintln(out, "  [round limit reached]")
				}
			}
		},
	}

	cmd.Flags().StringVarP(&personaID, "persona", "p", "", "Persona id or codename")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation id to continue (default: new)")
	cmd.Flags().IntVarP(&maxRounds, "max-rounds", "r", 0, "Maximum model rounds per turn (default from config)")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Print progress events to stderr")
	_ = cmd.MarkFlagRequired("persona")
	return cmd
}

// printProgress prints events of the turn currently stored in turn. Other
// clients may be running turns on the same conversation.
func printProgress(sub *progress.Subscription, turn *atomic.Value) {
	for e := range sub.C {
		if id, _ := turn.Load().(string); e.TurnID != id {
			continue
		}
		switch e.Kind {
		case progress.KindGenerating:
			fmt.Fprintln(os.Stderr, "  ...typing")
		case progress.KindInvokingTool:
			fmt.Fprintf(os.Stderr, "  ...invoking %v\n", e.Data["name"])
		case progress.KindTurnError:
			fmt.Fprintf(os.Stderr, "  ...error: %v\n", e.Data["reason"])
		}
	}
}

func historyCmd() *cobra.Command {
	var window int

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation's stored messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			store := a.store
			var msgs []model.Message
			if window > 0 {
				msgs, err = store.Window(ctx, args[0], window)
			} else {
				msgs, err = store.Load(ctx, args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, m := range msgs {
				label := string(m.Role)
				if m.Role == model.RoleTool {
					label = fmt.Sprintf("tool:%s#%s", m.ToolName, m.ToolCallID)
				}
				content := strings.TrimSpace(m.Content)
				if m.Role == model.RoleSystem && len(content) > 80 {
					content = content[:80] + "..."
				}
				fmt.Fprintf(out, "%02d %-9s %s\n", i, label, content)
				for _, c := range m.ToolCalls {
					fmt.Fprintf(out, "   -> %s(%s) #%s\n", c.Name, c.ArgumentsJSON(), c.ID)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&window, "window", "w", 0, "Only show the most recent N messages (plus preamble)")
	return cmd
}

func personasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List available personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.personas.ListPersonas(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range list {
				fmt.Fprintf(out, "%-12s %-20s %s\n", p.ID, p.Codename, p.Name)
			}
			return nil
		},
	}
}
