package catalog

import (
	"context"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAILister reads the upstream model list through the OpenAI-compatible
// GET /models endpoint.
type OpenAILister struct {
	client *openai.Client
}

func NewOpenAILister(baseURL, apiKey string, httpClient *http.Client) *OpenAILister {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAILister{client: openai.NewClientWithConfig(cfg)}
}

func (l *OpenAILister) ListModels(ctx context.Context) ([]string, error) {
	list, err := l.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
