package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/docpilot/internal/chat"
)

// ChatCommand returns the chat command definition.
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Send a message and stream the assistant's reply",
		ArgsUsage: "<message...>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "conversation",
				Aliases: []string{"C"},
				Usage:   "Continue an existing conversation by `ID`",
			},
			&cli.StringSliceFlag{
				Name:    "document",
				Aliases: []string{"d"},
				Usage:   "Restrict retrieval to the given document `ID` (repeatable)",
			},
			&cli.StringFlag{
				Name:    "agent",
				Aliases: []string{"a"},
				Usage:   "Answer with a specific `AGENT` instead of the configured one",
			},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	message := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if message == "" {
		return fmt.Errorf("message is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	store := chat.NewStore()
	reconciler := chat.NewReconciler(backendTransport{client: client}, store)

	// Continuing an existing conversation needs its history in the store
	// before the reconciler appends the new turn.
	if id := c.String("conversation"); id != "" {
		detail, err := client.GetConversation(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		store.Put(chat.FromDetail(detail))
	}

	var printed strings.Builder
	convID, err := reconciler.Send(ctx, c.String("conversation"), message, chat.SendOptions{
		AgentID:     c.String("agent"),
		DocumentIDs: c.StringSlice("document"),
		OnToken: func(token string) {
			fmt.Print(token)
			printed.WriteString(token)
		},
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("chat failed: %w", err)
	}

	conv, err := store.Get(convID)
	if err != nil {
		return err
	}
	reply := conv.Messages[len(conv.Messages)-1]

	// When the streaming path was interrupted and the reply came back over
	// the fallback request, nothing streamed to the terminal. Print the
	// reconciled content so the user still sees the full answer.
	if reply.Content != printed.String() {
		fmt.Println(reply.Content)
	}

	if len(reply.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, src := range reply.Sources {
			if src.PageNumber > 0 {
				fmt.Printf("  - %s (page %d)\n", src.DocumentName, src.PageNumber)
			} else {
				fmt.Printf("  - %s\n", src.DocumentName)
			}
		}
	}

	fmt.Printf("\nConversation: %s\n", convID)
	return nil
}
