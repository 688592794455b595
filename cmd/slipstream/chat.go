package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/casualjim/slipstream/client"
	"github.com/casualjim/slipstream/events"
	"github.com/casualjim/slipstream/internal/server"
	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	url          string
	token        string
	user         string
	provider     string
	model        string
	conversation string
	system       string
	render       bool
	timeout      time.Duration
}

var chatOpts chatOptions

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>...",
	Short: "Send one prompt and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), chatOpts, strings.Join(args, " "))
	},
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatOpts.url, "url", "ws://localhost:8080/", "gateway WebSocket url")
	f.StringVar(&chatOpts.token, "token", "", "auth token (minted from JWT_SECRET when empty)")
	f.StringVar(&chatOpts.user, "user", "dev", "user id for a minted token")
	f.StringVar(&chatOpts.provider, "provider", "openai", "provider name")
	f.StringVar(&chatOpts.model, "model", "", "model id (provider default when empty)")
	f.StringVar(&chatOpts.conversation, "conversation", events.NewChatSentinel, "conversation id to continue")
	f.StringVar(&chatOpts.system, "system", "", "system prompt")
	f.BoolVar(&chatOpts.render, "render", false, "render the final answer as markdown")
	f.DurationVar(&chatOpts.timeout, "timeout", 5*time.Minute, "give up after this long")
	rootCmd.AddCommand(chatCmd)
}

func runChat(ctx context.Context, stdout, stderr io.Writer, o chatOptions, prompt string) error {
	token, userID, err := chatIdentity(o)
	if err != nil {
		return err
	}
	endpoint, err := withToken(o.url, token)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	failed := make(chan error, 1)
	c, err := client.New(endpoint, client.WithOnExhausted(func(err error) {
		select {
		case failed <- err:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer c.Close()

	done := make(chan error, 1)
	var announced bool
	thinking := color.New(color.Faint)
	c.On(events.TypeAIChatChunk, func(ev events.Event) {
		chunk := ev.(events.AIChatChunk)
		if !announced && chunk.Title != "" {
			announced = true
			fmt.Fprintf(stderr, "%s %s\n", color.CyanString(chunk.Title), color.HiBlackString("(%s)", chunk.ConversationID))
		}
		if chunk.IsThinking {
			thinking.Fprint(stderr, chunk.ThinkingText)
			return
		}
		if !o.render {
			fmt.Fprint(stdout, chunk.Chunk)
		}
	})
	c.On(events.TypeAIChatInlineData, func(ev events.Event) {
		if d := ev.(events.AIChatInlineData); d.Done {
			mime, _, _ := strings.Cut(strings.TrimPrefix(d.Data, "data:"), ";")
			fmt.Fprintln(stderr, color.HiBlackString("[%s, %d bytes encoded]", mime, len(d.Data)))
		}
	})
	c.On(events.TypeAIChatResponse, func(ev events.Event) {
		resp := ev.(events.AIChatResponse)
		done <- finishChat(stdout, stderr, resp, o.render)
	})
	c.On(events.TypeAIChatError, func(ev events.Event) {
		done <- errors.New(ev.(events.AIChatError).Message)
	})

	if err := c.Connect(ctx); err != nil {
		return err
	}
	req := events.AIChatRequest{
		ConversationID: o.conversation,
		Prompt:         prompt,
		Provider:       o.provider,
		Model:          o.model,
		SystemPrompt:   o.system,
	}
	if !c.SendChat(userID, req) {
		return errors.New("chat request was not sent")
	}

	select {
	case err := <-done:
		return err
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func finishChat(stdout, stderr io.Writer, resp events.AIChatResponse, render bool) error {
	if render {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle())
		if err != nil {
			return err
		}
		out, err := r.Render(resp.Chunk)
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, out)
	} else {
		fmt.Fprintln(stdout)
	}
	if resp.Usage > 0 {
		fmt.Fprintln(stderr, color.HiBlackString("%d tokens", resp.Usage))
	}
	return nil
}

// chatIdentity returns the token to present and the user it names. Without
// an explicit token one is minted for o.user from JWT_SECRET.
func chatIdentity(o chatOptions) (string, string, error) {
	if o.token == "" {
		if cfg.JWTSecret == "" {
			return "", "", errors.New("either --token or JWT_SECRET is required")
		}
		tok, err := server.NewToken([]byte(cfg.JWTSecret), o.user, time.Hour)
		return tok, o.user, err
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(o.token, &claims); err != nil {
		return "", "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", "", errors.New("token has no subject")
	}
	return o.token, claims.Subject, nil
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
