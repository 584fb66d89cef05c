package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// ConversationsCommand returns the conversations command group.
func ConversationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conversations",
		Usage: "Inspect and manage conversations",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List conversations",
				Action: runConversationsList,
			},
			{
				Name:      "show",
				Usage:     "Print a conversation's messages",
				ArgsUsage: "<id>",
				Action:    runConversationsShow,
			},
			{
				Name:      "delete",
				Usage:     "Delete a conversation",
				ArgsUsage: "<id>",
				Action:    runConversationsDelete,
			},
		},
	}
}

func runConversationsList(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}

	records, err := client.ListConversations(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  %s\n", rec.ID, rec.Title)
	}
	return nil
}

func runConversationsShow(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}

	detail, err := client.GetConversation(c.Context, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	fmt.Printf("%s (%s)\n\n", detail.Title, detail.ID)
	for _, msg := range detail.Messages {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
		for _, src := range msg.Sources {
			if src.PageNumber > 0 {
				fmt.Printf("        source: %s (page %d)\n", src.DocumentName, src.PageNumber)
			} else {
				fmt.Printf("        source: %s\n", src.DocumentName)
			}
		}
	}
	return nil
}

func runConversationsDelete(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}

	if err := client.DeleteConversation(c.Context, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	fmt.Printf("Deleted conversation %s\n", id)
	return nil
}
