package backend

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"
)

const (
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	geminiName    = "gemini"
)

// Gemini serves text generations through the official Google GenAI SDK.
type Gemini struct {
	apiKey     string
	baseURL    string
	model      string
	client     *genai.Client
	base       string
	apiVersion string
}

// GeminiOption configures the backend.
type GeminiOption func(*Gemini)

// WithGeminiBaseURL overrides the API base URL (useful for testing).
func WithGeminiBaseURL(u string) GeminiOption {
	return func(g *Gemini) { g.baseURL = u }
}

// WithGeminiModel pins requests to a provider-native model name.
func WithGeminiModel(model string) GeminiOption {
	return func(g *Gemini) { g.model = model }
}

// NewGemini creates the backend. Returns an error when the SDK client
// cannot be constructed.
func NewGemini(ctx context.Context, apiKey string, opts ...GeminiOption) (*Gemini, error) {
	g := &Gemini{
		apiKey:  apiKey,
		baseURL: geminiBaseURL,
	}
	for _, o := range opts {
		o(g)
	}

	g.base, g.apiVersion = splitBaseURLAndVersion(g.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      g.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: GenerateTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: g.base, APIVersion: g.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	g.client = client

	return g, nil
}

func (g *Gemini) Name() string { return geminiName }

func (g *Gemini) HealthCheck(ctx context.Context) error {
	_, err := g.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", err)
	}
	return nil
}

func (g *Gemini) Generate(ctx context.Context, req *Request) (*Response, error) {
	contents, cfg := g.buildContentsAndConfig(req)

	model := g.model
	if model == "" {
		model = req.Model
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, err
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &Response{
		ID:          id,
		Model:       req.Model,
		Worker:      geminiName,
		Content:     out,
		ContentType: "text/plain; charset=utf-8",
		Usage: Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func (g *Gemini) buildContentsAndConfig(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	systemPrompt := req.System
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 && req.Prompt != "" {
		contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}

	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}

	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}
