package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// DocumentsCommand returns the documents command group.
func DocumentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "documents",
		Usage: "Inspect ingested documents",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List ingested documents",
				Action: runDocumentsList,
			},
		},
	}
}

func runDocumentsList(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}

	docs, err := client.ListDocuments(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	if len(docs) == 0 {
		fmt.Println("No documents yet.")
		return nil
	}
	for _, doc := range docs {
		line := fmt.Sprintf("%s  %s", doc.ID, doc.Name)
		if doc.Status != "" {
			line += fmt.Sprintf("  [%s]", doc.Status)
		}
		if doc.PageCount > 0 {
			line += fmt.Sprintf("  %d pages", doc.PageCount)
		}
		fmt.Println(line)
	}
	return nil
}
