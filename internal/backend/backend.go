// Package backend defines the common interface and types implemented by all
// generation backends (the worker pool plus the hosted OpenAI-compatible,
// Anthropic, and Gemini APIs).
//
// Each backend lives in its own file and implements the Generator interface.
// Backends that support vector embeddings additionally implement Embedder.
package backend

import (
	"context"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Request — normalized generation request. Text requests carry
	// Messages; image requests carry Prompt plus dimensions.
	Request struct {
		Model       string
		Messages    []Message
		Prompt      string
		System      string
		Temperature float64
		MaxTokens   int
		Seed        int
		Width       int
		Height      int
		RequestID   string
		UserID      string
	}

	// Response — normalized backend response.
	Response struct {
		ID     string
		Model  string
		Worker string
		// Content is the text payload for text generations.
		Content string
		// Raw is the byte payload for image generations.
		Raw         []byte
		ContentType string
		Usage       Usage
	}
)

// Generator — generation backend interface.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// Embedder is an optional interface implemented by backends that support
// the embeddings API. Check with a type assertion before calling.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Model kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

// ModelSpec describes one model exposed by the gateway.
type ModelSpec struct {
	Name string
	Kind string
	// Backend is the primary generator name; Fallback (optional) is tried
	// when the primary fails or times out.
	Backend  string
	Fallback string
	// Free models are served to anonymous identities and never billed.
	Free bool
	// EventName labels the billing event for paid models.
	EventName string
}

// Models is the gateway's model catalog, keyed by the public model name.
var Models = map[string]ModelSpec{
	// Image models run on the worker pool.
	"flux":  {Name: "flux", Kind: KindImage, Backend: "pool", Free: true},
	"turbo": {Name: "turbo", Kind: KindImage, Backend: "pool", Free: true},

	// Text models run on hosted APIs.
	"openai":       {Name: "openai", Kind: KindText, Backend: "openai", Fallback: "openai-fast", EventName: "text.generation"},
	"openai-fast":  {Name: "openai-fast", Kind: KindText, Backend: "openai-fast", Free: true},
	"openai-large": {Name: "openai-large", Kind: KindText, Backend: "openai-large", Fallback: "openai", EventName: "text.generation"},
	"claude":       {Name: "claude", Kind: KindText, Backend: "anthropic", Fallback: "openai", EventName: "text.generation"},
	"gemini":       {Name: "gemini", Kind: KindText, Backend: "gemini", Fallback: "openai-fast", EventName: "text.generation"},
	"searchgpt":    {Name: "searchgpt", Kind: KindText, Backend: "openai-large", Fallback: "openai", EventName: "text.generation"},
}

// Aliases maps alternative public names onto catalog entries.
var Aliases = map[string]string{
	"gpt":       "openai",
	"gpt-fast":  "openai-fast",
	"gpt-large": "openai-large",
	"anthropic": "claude",
	"google":    "gemini",
	"image":     "flux",
	"sdxl":      "turbo",
}

// Resolve looks up a public model name, following aliases. The second
// return is false for unknown models.
func Resolve(name string) (ModelSpec, bool) {
	if canonical, ok := Aliases[name]; ok {
		name = canonical
	}
	spec, ok := Models[name]
	return spec, ok
}

// Default per-backend timeout before the fallback is tried.
const GenerateTimeout = 30 * time.Second

// StatusCoder lets backend errors carry an HTTP status through the error
// chain to the response writer.
type StatusCoder interface {
	HTTPStatus() int
}
