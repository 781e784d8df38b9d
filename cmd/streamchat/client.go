package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"streamchat/internal/auth"
	"streamchat/internal/client"
	"streamchat/internal/domain"
)

func tokenCmd() *cobra.Command {
	var (
		userType string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a session token signed with the configured secret",
		Long:  "Issues a bearer token for user-id. Without an argument a new guest identity is created.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := loadConfig()
			if ttl <= 0 {
				ttl = time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
			}
			a, err := auth.New(auth.Config{Secret: cfg.Auth.Secret, CookieName: cfg.Auth.CookieName, TTL: ttl})
			if err != nil {
				return err
			}
			sess := domain.Session{UserID: "guest-" + uuid.NewString(), Type: domain.UserGuest}
			if len(args) == 1 {
				sess = domain.Session{UserID: args[0], Type: domain.UserType(userType)}
			}
			switch sess.Type {
			case domain.UserGuest, domain.UserRegular:
			default:
				return fmt.Errorf("unknown user type %q", sess.Type)
			}
			tok, exp, err := a.Issue(sess)
			if err != nil {
				return err
			}
			logger.Info("token issued", "user", sess.UserID, "type", sess.Type, "expires", exp.Format(time.RFC3339))
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userType, "type", string(domain.UserRegular), "user type: regular or guest")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.tokenTTLHours)")
	return cmd
}

type clientFlags struct {
	server string
	token  string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "", "server base URL (default: from config)")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("STREAMCHAT_TOKEN"), "session token (default: $STREAMCHAT_TOKEN)")
}

// agent builds a client that prints streamed text to stdout as it arrives.
func (f *clientFlags) agent() *client.Agent {
	base := f.server
	if base == "" {
		cfg, _ := loadConfig()
		base = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	return client.NewAgent(client.Config{
		BaseURL: base,
		Token:   f.token,
		Logger:  logger,
		OnEvent: printEvent,
	})
}

func printEvent(ev domain.Event, applied bool) {
	if !applied {
		return
	}
	switch p := ev.Payload.(type) {
	case domain.Delta:
		fmt.Print(p.Text)
	case domain.AppendMessage:
		fmt.Print(p.Message.Text())
	case domain.ErrorPart:
		fmt.Fprintf(os.Stderr, "\n[error] %s", p.Message)
	case domain.Finish:
		fmt.Println()
	}
}

func sendCmd() *cobra.Command {
	var (
		flags  clientFlags
		chatID string
		model  string
		public bool
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message and stream the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if chatID == "" {
				chatID = uuid.NewString()
			}
			visibility := domain.VisibilityPrivate
			if public {
				visibility = domain.VisibilityPublic
			}
			conv := client.NewConversation(chatID)
			res, err := flags.agent().Send(cmd.Context(), conv, args[0], client.SendOptions{
				ModelID:    model,
				Visibility: visibility,
			})
			if err != nil {
				return err
			}
			logger.Info("reply received", "chat", chatID, "stream", res.StreamID, "events", res.Applied, "outcome", res.Outcome)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id (default: a new chat)")
	cmd.Flags().StringVar(&model, "model", "chat-model", "model id from the catalog")
	cmd.Flags().BoolVar(&public, "public", false, "create the chat as public")
	return cmd
}

func resumeCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "resume [chat-id]",
		Short: "Reattach to a chat's unfinished reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ag := flags.agent()
			conv, err := ag.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res, err := ag.Resume(cmd.Context(), conv)
			if err != nil {
				return err
			}
			logger.Info("resume finished", "chat", args[0], "outcome", res.Outcome, "mode", res.Mode,
				"applied", res.Applied, "skipped", res.Skipped, "dropped", res.Dropped)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
