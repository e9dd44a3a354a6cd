package llm

import (
	"net/http"
	"strings"

	"github.com/comigor/completer/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates a new OpenAI-compatible client for the configured endpoint.
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout > 0 {
		config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return openai.NewClientWithConfig(config)
}
