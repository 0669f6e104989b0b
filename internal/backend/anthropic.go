package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com/v1"
	anthropicName      = "anthropic"
	anthropicMaxTokens = 4096
)

// Anthropic serves text generations through the official Anthropic SDK.
type Anthropic struct {
	apiKey  string
	baseURL string
	model   string
	client  anthropic.Client
}

// AnthropicOption configures the backend.
type AnthropicOption func(*Anthropic)

// WithAnthropicBaseURL overrides the API base URL (useful for testing).
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(a *Anthropic) { a.baseURL = url }
}

// WithAnthropicModel pins requests to a provider-native model name.
func WithAnthropicModel(model string) AnthropicOption {
	return func(a *Anthropic) { a.model = model }
}

// NewAnthropic creates the backend.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		apiKey:  apiKey,
		baseURL: anthropicBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropic.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: GenerateTimeout}),
	)
	return a
}

func (a *Anthropic) Name() string { return anthropicName }

func (a *Anthropic) HealthCheck(ctx context.Context) error {
	// Simple auth/connectivity check: GET /v1/models
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toAnthropicError(err))
	}
	return nil
}

func (a *Anthropic) Generate(ctx context.Context, req *Request) (*Response, error) {
	msg, err := a.client.Messages.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, toAnthropicError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &Response{
		ID:          msg.ID,
		Model:       req.Model,
		Worker:      anthropicName,
		Content:     sb.String(),
		ContentType: "text/plain; charset=utf-8",
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Anthropic) buildParams(req *Request) anthropic.MessageNewParams {
	systemPrompt := req.System
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toAnthropicMessage(m.Role, m.Content))
		}
	}
	if len(msgs) == 0 && req.Prompt != "" {
		msgs = append(msgs, toAnthropicMessage("user", req.Prompt))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicMaxTokens
	}

	model := a.model
	if model == "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

func toAnthropicMessage(role, content string) anthropic.MessageParam {
	r := strings.ToLower(role)
	anthRole := anthropic.MessageParamRoleUser
	if r == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func toAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &BackendError{
			Name:       anthropicName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
