package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xsploit/webwaifu3/core"
)

// Sink receives incremental response text. The TTS manager implements it.
type Sink interface {
	EnqueueStreamChunk(text string, final bool)
}

// Config selects the OpenAI-compatible endpoint and model.
type Config struct {
	APIKey       string  `json:"api_key"`
	BaseURL      string  `json:"base_url"`
	Model        string  `json:"model"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float32 `json:"temperature"`
	SystemPrompt string  `json:"system_prompt"`
}

// StreamSource pumps a chat completion stream into a sink, delta by delta,
// signalling the final flush when the stream ends. One Run per turn.
type StreamSource struct {
	cfg    Config
	client *openai.Client
	logger *core.Logger
}

func NewStreamSource(cfg Config, logger *core.Logger) *StreamSource {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &StreamSource{cfg: cfg, client: openai.NewClientWithConfig(clientCfg), logger: logger}
}

// Run streams one completion into the sink. The final flush fires only on
// normal stream end; cancellation propagates without finalizing, leaving
// the sink's Stop to clean up.
func (s *StreamSource) Run(ctx context.Context, messages []openai.ChatCompletionMessage, sink Sink) error {
	if s.cfg.SystemPrompt != "" {
		messages = append([]openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: s.cfg.SystemPrompt,
		}}, messages...)
	}
	req := openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Messages:    messages,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Stream:      true,
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("llm: create completion stream: %w", err)
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("llm: stream recv: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if delta := response.Choices[0].Delta.Content; delta != "" {
			sink.EnqueueStreamChunk(delta, false)
		}
	}
	sink.EnqueueStreamChunk("", true)
	return nil
}

// Ask is a convenience wrapper for a single user prompt.
func (s *StreamSource) Ask(ctx context.Context, prompt string, sink Sink) error {
	return s.Run(ctx, []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	}}, sink)
}
