package memosync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// FallbackSummary is stored when a new memo cannot be summarized.
const FallbackSummary = "AI summary unavailable."

const (
	defaultSummaryModel     = "claude-haiku-4-5"
	defaultSummaryMaxTokens = 256
	defaultSummaryPrompt    = "Summarize the user's memo in one short sentence, in the same language as the memo. Reply with the summary only."
)

type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

type SummarizerFunc func(ctx context.Context, text string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

type AnthropicSummarizerOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int64
	Prompt     string
	MaxRetries int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// AnthropicSummarizer produces one-sentence summaries with the Messages API.
type AnthropicSummarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	prompt    string
}

func NewAnthropicSummarizer(opts AnthropicSummarizerOptions) *AnthropicSummarizer {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultSummaryModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxTokens
	}
	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
		option.WithRequestTimeout(timeout),
	}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &AnthropicSummarizer{
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxTokens: maxTokens,
		prompt:    prompt,
	}
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	message, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: s.prompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", &UpstreamError{Service: "summarizer", Err: err}
	}
	var parts []string
	for _, block := range message.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, strings.TrimSpace(block.Text))
		}
	}
	summary := strings.TrimSpace(strings.Join(parts, " "))
	if summary == "" {
		return "", &UpstreamError{Service: "summarizer", Err: errors.New("empty summary")}
	}
	return summary, nil
}
