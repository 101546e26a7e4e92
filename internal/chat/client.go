package chat

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Chunk is one incremental fragment of a streamed response. The terminal
// chunk carries Final=true and an empty Text.
type Chunk struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// StreamFunc receives chunks in arrival order. Returning an error aborts
// the stream.
type StreamFunc func(ctx context.Context, chunk Chunk) error

// GenerationParams are the provider tuning knobs passed through on every
// call. Pointer fields distinguish "unset" from zero.
type GenerationParams struct {
	Temperature     *float32
	TopP            *float32
	TopK            *float32
	MaxOutputTokens int32
	ThinkingBudget  *int32

	// Opaque pass-through: declared tools and safety settings are the
	// provider's concern, the engine never interprets them.
	Tools          []*genai.Tool
	SafetySettings []*genai.SafetySetting
}

// GenerateRequest is an immutable snapshot of one outbound call: the
// conversation at send time plus the model configuration.
type GenerateRequest struct {
	// Messages holds user and model turns only; system context travels as
	// SystemInstruction.
	Messages          []Message
	SystemInstruction string
	Params            GenerationParams
}

// Streamer wraps one outbound generation call. It produces a finite,
// non-restartable sequence of chunks in arrival order — zero or more
// non-final chunks, then exactly one final chunk — and returns the
// concatenated full text.
//
// Implementations must fail with a KindContentFiltered error when the
// stream completes with nothing usable, and must not mutate any
// conversation state.
type Streamer interface {
	Stream(ctx context.Context, req *GenerateRequest, fn StreamFunc) (string, error)
}

// Gemini is the Streamer implementation over the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini streamer. The API key is read from the
// environment by the genai client when cfg's key is empty.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Stream issues the generation call and forwards fragments as they arrive.
func (g *Gemini) Stream(ctx context.Context, req *GenerateRequest, fn StreamFunc) (string, error) {
	contents := toContents(req.Messages)
	cfg := toGenerateConfig(req)

	var full strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
		if err != nil {
			return "", Classify(err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		full.WriteString(text)
		if fn != nil {
			if cbErr := fn(ctx, Chunk{Text: text}); cbErr != nil {
				return "", Classify(cbErr)
			}
		}
	}

	if fn != nil {
		if cbErr := fn(ctx, Chunk{Final: true}); cbErr != nil {
			return "", Classify(cbErr)
		}
	}

	out := full.String()
	if strings.TrimSpace(out) == "" {
		// The provider finished cleanly but produced nothing usable, most
		// likely a safety block.
		return "", &Error{Kind: KindContentFiltered, Message: "provider returned an empty response"}
	}
	return out, nil
}

// toContents converts user/model messages into provider contents. System
// messages never appear here; callers filter them before building the
// request.
func toContents(msgs []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				parts = append(parts, genai.NewPartFromText(p.Text))
			case PartBlob:
				parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIMEType))
			}
		}
		contents = append(contents, &genai.Content{
			Role:  string(m.Role),
			Parts: parts,
		})
	}
	return contents
}

// toGenerateConfig maps GenerationParams onto the provider config.
func toGenerateConfig(req *GenerateRequest) *genai.GenerateContentConfig {
	p := req.Params
	cfg := &genai.GenerateContentConfig{
		Temperature:     p.Temperature,
		TopP:            p.TopP,
		TopK:            p.TopK,
		MaxOutputTokens: p.MaxOutputTokens,
		Tools:           p.Tools,
		SafetySettings:  p.SafetySettings,
	}
	if p.ThinkingBudget != nil {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: p.ThinkingBudget}
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	return cfg
}
