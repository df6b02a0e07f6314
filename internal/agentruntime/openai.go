package agentruntime

import (
	"context"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when neither the request nor the config names one.
const DefaultModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	MaxTurns int
}

// OpenAIRuntime drives a chat-completions tool-calling loop: the model is
// called, requested tools run locally, and their results are fed back until
// the model answers without tool calls.
type OpenAIRuntime struct {
	client   openai.Client
	model    string
	maxTurns int
	logger   *slog.Logger
}

// NewOpenAIRuntime creates a runtime for the given endpoint.
func NewOpenAIRuntime(cfg OpenAIConfig, logger *slog.Logger) *OpenAIRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	return &OpenAIRuntime{
		client:   openai.NewClient(opts...),
		model:    cfg.Model,
		maxTurns: cfg.MaxTurns,
		logger:   logger,
	}
}

// RunWithTools implements Runtime.
func (r *OpenAIRuntime) RunWithTools(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = r.model
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.maxTurns
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	messages = append(messages, openai.UserMessage(req.Input))

	params := openai.ChatCompletionNewParams{Model: model}
	if len(req.Tools) > 0 {
		params.Tools = toolParams(req.Tools)
	}

	result := &Result{}
	for turn := 0; turn < maxTurns; turn++ {
		params.Messages = messages
		resp, err := r.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return result, runtimeError("chat completion failed: %v", err).WithCause(err)
		}
		if len(resp.Choices) == 0 {
			return result, runtimeError("chat completion returned no choices")
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			result.FinalOutput = msg.Content
			return result, nil
		}

		messages = append(messages, assistantWithToolCalls(msg))
		for _, tc := range msg.ToolCalls {
			call := Invoke(ctx, req.Tools, tc.ID, tc.Function.Name, tc.Function.Arguments)
			r.logger.Debug("agent tool call",
				slog.String("tool", call.Name),
				slog.Duration("duration", call.Duration),
				slog.Bool("failed", call.Error != ""),
			)
			result.ToolCalls = append(result.ToolCalls, call)
			messages = append(messages, openai.ToolMessage(call.ResultText(), tc.ID))
		}
	}
	return result, runtimeError("agent did not finish within %d turns", maxTurns).
		WithDetails(map[string]any{"tool_calls": len(result.ToolCalls)})
}

func toolParams(tools []Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = DefaultToolParameters()
		}
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(params),
			},
		})
	}
	return out
}

func assistantWithToolCalls(msg openai.ChatCompletionMessage) openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	asst := openai.ChatCompletionAssistantMessageParam{
		Role:      "assistant",
		ToolCalls: calls,
	}
	if msg.Content != "" {
		asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(msg.Content),
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

var _ Runtime = (*OpenAIRuntime)(nil)
