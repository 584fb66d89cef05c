package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"

	"github.com/docpilot/internal/upload"
)

// UploadCommand returns the upload command definition.
func UploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload documents for indexing",
		ArgsUsage: "<files...>",
		Action:    runUpload,
	}
}

func runUpload(c *cli.Context) error {
	paths := c.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("at least one file is required")
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}

	orchestrator := upload.NewOrchestrator(backendTransport{client: client}, retryConfig(cfg))
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
		if _, err := orchestrator.Add(upload.LocalFile{Path: path}); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- orchestrator.Run(ctx) }()

	for ev := range orchestrator.Events() {
		file := ev.File
		switch file.Status {
		case upload.StatusCompleted:
			fmt.Printf("[%3.0f%%] %s: completed (document %s)\n", ev.OverallProgress, file.Name, file.DocumentID)
		case upload.StatusFailed:
			fmt.Printf("[%3.0f%%] %s: failed: %v\n", ev.OverallProgress, file.Name, file.Err)
		default:
			fmt.Printf("[%3.0f%%] %s: %s %.0f%%\n", ev.OverallProgress, file.Name, file.Status, file.Progress)
		}
	}
	if err := <-runErr; err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	var completed, failed int
	for _, item := range orchestrator.Items() {
		switch item.Status {
		case upload.StatusCompleted:
			completed++
		case upload.StatusFailed:
			failed++
		}
	}
	fmt.Printf("\n%d of %d files uploaded\n", completed, len(paths))
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}
