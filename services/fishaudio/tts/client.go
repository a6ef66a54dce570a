package fishaudio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/xsploit/webwaifu3/core"
)

const (
	defaultHTTPURL = "https://api.fish.audio/v1/tts"

	singleShotAttempts   = 2
	singleShotRetryDelay = 150 * time.Millisecond
)

type synthesizeRequest struct {
	Text        string `json:"text"`
	ReferenceID string `json:"reference_id,omitempty"`
	Format      string `json:"format"`
	Latency     string `json:"latency,omitempty"`
}

// Client is the non-streaming fallback: one HTTP POST per chunk, returning
// a complete audio blob for element-style playback. Used when the duplex
// session cannot be established.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *core.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *core.Logger) *Client {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// Synthesize converts one chunk of text into an MP3 blob. A transient
// failure is retried exactly once after a short delay.
func (c *Client) Synthesize(ctx context.Context, text string) (*core.ChunkResult, error) {
	if c.cfg.APIKey == "" {
		return nil, &core.ConfigError{Field: "fish_api_key", Reason: "credential required for synthesis"}
	}

	var lastErr error
	for attempt := 0; attempt < singleShotAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Infof("fishaudio: retrying single-shot synthesis after: %v", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(singleShotRetryDelay):
			}
		}
		res, err := c.synthesizeOnce(ctx, text)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) synthesizeOnce(ctx context.Context, text string) (*core.ChunkResult, error) {
	body, err := sonic.Marshal(synthesizeRequest{
		Text:        text,
		ReferenceID: c.cfg.VoiceID,
		Format:      "mp3",
		Latency:     c.cfg.Latency,
	})
	if err != nil {
		return nil, fmt.Errorf("fishaudio: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.HTTPBaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &core.TransportError{Service: "fishaudio", Op: "request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Model", c.cfg.ModelID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &core.TransportError{Service: "fishaudio", Op: "synthesize", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &core.TransportError{Service: "fishaudio", Op: "synthesize",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, snippet)}
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.TransportError{Service: "fishaudio", Op: "read body", Err: err}
	}
	if len(audio) == 0 {
		return nil, &core.TransportError{Service: "fishaudio", Op: "synthesize",
			Err: fmt.Errorf("empty audio payload")}
	}
	return &core.ChunkResult{Audio: audio, Format: core.MP3, Text: text}, nil
}
