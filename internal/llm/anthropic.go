package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/buildinfo"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/config"
	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/schema"
)

// MessagesClient is the part of the Anthropic SDK the provider uses.
// *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient calls the Anthropic Messages API through the SDK.
type AnthropicClient struct {
	msg       MessagesClient
	model     string
	maxTokens int
	logger    *slog.Logger
}

// AnthropicOptions configures an AnthropicClient.
type AnthropicOptions struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Logger    *slog.Logger

	// Messages replaces the SDK's message service.
	Messages MessagesClient
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(opts AnthropicOptions) (*AnthropicClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msg := opts.Messages
	if msg == nil {
		if opts.APIKey == "" {
			return nil, errors.New("anthropic: api key is required")
		}
		reqOpts := []option.RequestOption{
			option.WithAPIKey(opts.APIKey),
			option.WithHeader("User-Agent", buildinfo.UserAgent()),
		}
		if opts.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
		}
		ac := sdk.NewClient(reqOpts...)
		msg = &ac.Messages
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{
		msg:       msg,
		model:     opts.Model,
		maxTokens: maxTokens,
		logger:    logger.With("provider", "anthropic"),
	}, nil
}

// Provider implements Client.
func (c *AnthropicClient) Provider() string { return config.ProviderAnthropic }

// Generate implements Client.
func (c *AnthropicClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	msgs, err := encodeAnthropicMessages(req.Contents)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if tools := encodeAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(msgs),
		"tools", toolCount(req.Tools),
	)
	if c.logger.Enabled(ctx, config.LevelTrace) {
		if data, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(data))
		}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	out, err := decodeAnthropicMessage(msg)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"function_calls", len(out.FunctionCalls),
		"stop_reason", out.FinishReason,
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", out.Text)
	return out, nil
}

func encodeAnthropicMessages(contents []Content) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(contents))
	for _, m := range contents {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case p.FunctionCall != nil:
				args := p.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(p.FunctionCall.ID, args, p.FunctionCall.Name))
			case p.FunctionResponse != nil:
				data, err := json.Marshal(p.FunctionResponse.Response)
				if err != nil {
					return nil, fmt.Errorf("anthropic: encode result of %s: %w", p.FunctionResponse.Name, err)
				}
				blocks = append(blocks, sdk.NewToolResultBlock(p.FunctionResponse.ID, string(data), p.FunctionResponse.IsError))
			case p.Text != "":
				blocks = append(blocks, sdk.NewTextBlock(p.Text))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case RoleModel:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

// encodeAnthropicTools reuses the engine declarations so both
// providers advertise the same cleaned schemas.
func encodeAnthropicTools(tools *schema.Tools) []sdk.ToolUnionParam {
	if tools == nil {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(tools.FunctionDeclarations))
	for _, fd := range tools.FunctionDeclarations {
		input := sdk.ToolInputSchemaParam{
			ExtraFields: map[string]any{
				"properties": fd.Parameters.Properties,
				"required":   fd.Parameters.Required,
			},
		}
		u := sdk.ToolUnionParamOfTool(input, fd.Name)
		if u.OfTool != nil && fd.Description != "" {
			u.OfTool.Description = sdk.String(fd.Description)
		}
		out = append(out, u)
	}
	return out
}

func decodeAnthropicMessage(msg *sdk.Message) (*Response, error) {
	if msg == nil {
		return nil, &APIError{Provider: config.ProviderAnthropic, Message: "response message is nil"}
	}
	out := &Response{
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, block.Text)
			}
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("anthropic: decode input of %s: %w", block.Name, err)
				}
			}
			out.FunctionCalls = append(out.FunctionCalls, FunctionCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}
	out.Text = joinText(text)
	return out, nil
}
