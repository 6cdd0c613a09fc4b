// Package generate produces the daily devotional text: a REST client for the
// Gemini API, the prompt that steers it away from recently used verses, and
// the static fallbacks used when the model cannot deliver.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// ErrNoAPIKey is returned when the client is constructed without a key.
var ErrNoAPIKey = errors.New("generate: missing API key")

// DefaultModels is the preference order; the first model that answers is
// remembered for subsequent calls.
var DefaultModels = []string{
	"gemini-2.0-flash",
	"gemini-1.5-pro",
	"gemini-pro",
}

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiConfig configures the REST client.
type GeminiConfig struct {
	APIKey  string
	Models  []string
	Timeout time.Duration
	// BaseURL overrides the API endpoint (tests).
	BaseURL string
}

// GeminiClient is a minimal generateContent client. It deliberately avoids
// an SDK: one endpoint, one request shape.
type GeminiClient struct {
	cfg  GeminiConfig
	http *http.Client
	log  logx.Logger

	mu     sync.Mutex
	picked string // model that last answered successfully
}

func NewGeminiClient(cfg GeminiConfig, log logx.Logger) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &GeminiClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("component", "gemini")),
	}, nil
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends the prompt through the model preference list and returns the
// first non-empty answer.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	models := c.modelOrder()

	var lastErr error
	for _, model := range models {
		text, err := c.call(ctx, model, prompt, temperature)
		if err != nil {
			c.log.Warn("model call failed",
				logx.String("model", model), logx.Err(err))
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.picked = model
		c.mu.Unlock()
		return text, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no models configured")
	}
	return "", fmt.Errorf("generate: all models failed: %w", lastErr)
}

// modelOrder puts the last working model first.
func (c *GeminiClient) modelOrder() []string {
	c.mu.Lock()
	picked := c.picked
	c.mu.Unlock()

	if picked == "" {
		return c.cfg.Models
	}
	out := []string{picked}
	for _, m := range c.cfg.Models {
		if m != picked {
			out = append(out, m)
		}
	}
	return out
}

func (c *GeminiClient) call(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	body := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: prompt}},
		}},
		GenerationConfig: geminiGenConfig{
			Temperature:     temperature,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 1024,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.cfg.BaseURL, model, c.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%s: decoding response: %w", model, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("%s: api error %d: %s", model, out.Error.Code, out.Error.Message)
		}
		return "", fmt.Errorf("%s: unexpected status %d", model, resp.StatusCode)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%s: empty response", model)
	}

	var b strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("%s: blank candidate", model)
	}
	return text, nil
}
