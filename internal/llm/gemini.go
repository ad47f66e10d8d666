package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/config"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/httpkit"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/schema"
)

// DefaultGeminiBaseURL is the Generative Language API root.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiClient calls the Gemini generateContent REST endpoint.
type GeminiClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// GeminiOptions configures a GeminiClient.
type GeminiOptions struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int

	// HTTPClient overrides the default httpkit client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(opts GeminiOptions) *GeminiClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultGeminiBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 120 * time.Second
		hc = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))
	}
	return &GeminiClient{
		baseURL:    base,
		apiKey:     opts.APIKey,
		model:      opts.Model,
		maxTokens:  opts.MaxTokens,
		httpClient: hc,
		logger:     logger.With("provider", "gemini"),
	}
}

// Provider implements Client.
func (c *GeminiClient) Provider() string { return config.ProviderGemini }

// Gemini wire types.

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []schema.Tools          `json:"tools,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion   string `json:"modelVersion"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate implements Client.
func (c *GeminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, fmt.Errorf("gemini: model is required")
	}

	body := encodeGeminiRequest(req, c.maxTokens)
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"contents", len(body.Contents),
		"tools", toolCount(req.Tools),
	)
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(data))

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw := httpkit.ReadErrorBody(resp.Body, 4096)
		msg := raw
		var eb geminiErrorBody
		if json.Unmarshal([]byte(raw), &eb) == nil && eb.Error.Message != "" {
			msg = eb.Error.Message
		}
		c.logger.Error("API error", "status", resp.StatusCode, "body", raw)
		return nil, &APIError{Provider: config.ProviderGemini, StatusCode: resp.StatusCode, Message: msg}
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out, err := decodeGeminiResponse(&gr)
	if err != nil {
		return nil, err
	}
	if out.Model == "" {
		out.Model = model
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"function_calls", len(out.FunctionCalls),
		"finish_reason", out.FinishReason,
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", out.Text)
	return out, nil
}

func encodeGeminiRequest(req *Request, defaultMaxTokens int) geminiRequest {
	body := geminiRequest{Contents: make([]geminiContent, 0, len(req.Contents))}
	for _, c := range req.Contents {
		gc := geminiContent{Role: string(c.Role), Parts: make([]geminiPart, 0, len(c.Parts))}
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				args := p.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				gc.Parts = append(gc.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: p.FunctionCall.Name, Args: args}})
			case p.FunctionResponse != nil:
				gc.Parts = append(gc.Parts, geminiPart{FunctionResponse: &geminiFunctionResponse{
					Name:     p.FunctionResponse.Name,
					Response: p.FunctionResponse.Response,
				}})
			case p.Text != "":
				gc.Parts = append(gc.Parts, geminiPart{Text: p.Text})
			}
		}
		// Gemini rejects contents with empty parts.
		if len(gc.Parts) == 0 {
			continue
		}
		body.Contents = append(body.Contents, gc)
	}

	if req.Tools != nil && len(req.Tools.FunctionDeclarations) > 0 {
		body.Tools = []schema.Tools{*req.Tools}
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if maxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: maxTokens}
	}
	return body
}

func decodeGeminiResponse(gr *geminiResponse) (*Response, error) {
	out := &Response{
		Model:        gr.ModelVersion,
		InputTokens:  gr.UsageMetadata.PromptTokenCount,
		OutputTokens: gr.UsageMetadata.CandidatesTokenCount,
	}
	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			return nil, &APIError{Provider: config.ProviderGemini, Message: "prompt blocked: " + gr.PromptFeedback.BlockReason}
		}
		return nil, &APIError{Provider: config.ProviderGemini, Message: "response has no candidates"}
	}

	cand := gr.Candidates[0]
	out.FinishReason = cand.FinishReason
	var text []string
	for _, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			args := p.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.FunctionCalls = append(out.FunctionCalls, FunctionCall{Name: p.FunctionCall.Name, Args: args})
			continue
		}
		if p.Text != "" {
			text = append(text, p.Text)
		}
	}
	out.Text = joinText(text)
	return out, nil
}

func toolCount(t *schema.Tools) int {
	if t == nil {
		return 0
	}
	return len(t.FunctionDeclarations)
}
