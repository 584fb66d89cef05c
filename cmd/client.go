package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/docpilot/internal/api"
	"github.com/docpilot/internal/auth"
	"github.com/docpilot/internal/chat"
	"github.com/docpilot/internal/config"
	"github.com/docpilot/internal/logging"
	"github.com/docpilot/internal/retry"
	"github.com/docpilot/internal/upload"
	"github.com/docpilot/pkg/models"
)

// loadConfig loads and validates the configuration for a command and applies
// the configured log level.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Setup(cfg.Log.Level)
	return cfg, nil
}

// newBackendClient builds the backend client from configuration. A configured
// token command wins over a static token; with neither, requests go out
// unauthenticated.
func newBackendClient(cfg *config.Config) (*api.Client, error) {
	var tokens auth.TokenSource
	switch {
	case cfg.Backend.TokenCommand != "":
		tokens = auth.NewCachingTokenSource(auth.CommandTokenSource(cfg.Backend.TokenCommand))
	case cfg.Backend.APIToken != "":
		tokens = auth.StaticTokenSource(cfg.Backend.APIToken)
	}

	return api.NewClient(api.Config{
		BaseURL:           cfg.Backend.BaseURL,
		AgentID:           cfg.Backend.AgentID,
		Timeout:           time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		TokenSource:       tokens,
		Retry:             retryConfig(cfg),
	})
}

func retryConfig(cfg *config.Config) retry.Config {
	return retry.Config{
		MaxRetries: cfg.Upload.MaxRetries,
		BaseDelay:  time.Duration(cfg.Upload.BaseDelayMS) * time.Millisecond,
		LogRetries: true,
	}
}

// backendTransport adapts the concrete client to the interfaces the chat
// reconciler and the upload orchestrator consume.
type backendTransport struct {
	client *api.Client
}

func (t backendTransport) StreamChat(ctx context.Context, req models.ChatRequest) (chat.Stream, error) {
	return t.client.StreamChat(ctx, req)
}

func (t backendTransport) Chat(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	return t.client.Chat(ctx, req)
}

func (t backendTransport) UploadBatch(ctx context.Context, sources []upload.Source) (upload.Stream, error) {
	files := make([]api.UploadFile, len(sources))
	for i, src := range sources {
		src := src
		files[i] = api.UploadFile{
			Name: src.Name(),
			Open: func() (io.ReadCloser, error) { return src.Open(ctx) },
		}
	}
	return t.client.UploadBatch(ctx, files)
}
