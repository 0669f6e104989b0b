package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAICompat serves text generations through any OpenAI-compatible chat
// completions API. It also implements Embedder, which the semantic cache
// uses.
type OpenAICompat struct {
	name           string
	apiKey         string
	baseURL        string
	upstreamModel  string
	embeddingModel string
	client         openaiSDK.Client
}

// OpenAICompatConfig configures one OpenAI-compatible backend.
type OpenAICompatConfig struct {
	// Name is the backend identifier used for routing and logs.
	Name   string
	APIKey string
	// BaseURL overrides the API endpoint, e.g. "https://api.groq.com/openai/v1".
	BaseURL string
	// UpstreamModel is the provider-native model name requests are pinned
	// to (the public model name stays gateway-level).
	UpstreamModel string
	// EmbeddingModel enables Embed when non-empty.
	EmbeddingModel string
}

// NewOpenAICompat creates the backend.
func NewOpenAICompat(cfg OpenAICompatConfig) *OpenAICompat {
	b := &OpenAICompat{
		name:           cfg.Name,
		apiKey:         cfg.APIKey,
		baseURL:        cfg.BaseURL,
		upstreamModel:  cfg.UpstreamModel,
		embeddingModel: cfg.EmbeddingModel,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(b.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: GenerateTimeout}),
	}
	if b.baseURL != "" {
		opts = append(opts, option.WithBaseURL(b.baseURL))
	}

	b.client = openaiSDK.NewClient(opts...)
	return b
}

func (b *OpenAICompat) Name() string { return b.name }

func (b *OpenAICompat) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", b.name, b.toBackendError(err))
	}
	return nil
}

func (b *OpenAICompat) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := b.client.Chat.Completions.New(ctx, b.buildParams(req))
	if err != nil {
		return nil, b.toBackendError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &Response{
		ID:          resp.ID,
		Model:       req.Model,
		Worker:      b.name,
		Content:     content,
		ContentType: "text/plain; charset=utf-8",
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// Embed implements Embedder using the configured embedding model.
func (b *OpenAICompat) Embed(ctx context.Context, text string) ([]float32, error) {
	if b.embeddingModel == "" {
		return nil, fmt.Errorf("%s: no embedding model configured", b.name)
	}

	resp, err := b.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(b.embeddingModel),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		return nil, b.toBackendError(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%s: empty embedding response", b.name)
	}

	f32 := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		f32[i] = float32(v)
	}
	return f32, nil
}

func (b *OpenAICompat) buildParams(req *Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}
	if len(req.Messages) == 0 && req.Prompt != "" {
		msgs = append(msgs, openaiSDK.UserMessage(req.Prompt))
	}

	model := b.upstreamModel
	if model == "" {
		model = req.Model
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.Seed != 0 {
		params.Seed = openaiSDK.Int(int64(req.Seed))
	}
	return params
}

// BackendError is a structured error returned by a hosted API.
type BackendError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *BackendError) HTTPStatus() int { return e.StatusCode }

func (b *OpenAICompat) toBackendError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &BackendError{
			Name:       b.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
