package rca

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

const defaultModel = "gemini-2.0-flash"

// TextGenerator produces free-form text from a prompt. Production uses
// Gemini; tests swap in a deterministic stub.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeminiGenerator calls the Gemini API for root-cause synthesis.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator dials Gemini. An empty API key is an error so callers
// can fall back to static analyses instead of carrying a dead client.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

// Generate returns the model's reply text for one prompt.
func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	res, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", errors.New("empty generation result")
	}
	return res.Text(), nil
}
