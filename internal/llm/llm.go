// Package llm wraps the external chat-completion provider the agent
// runtime calls each turn, adapted from a multi-provider OpenAI-compatible
// client down to the fabric's single configured provider.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Message is one turn in the conversation sent to the provider.
type Message struct {
	Role    string // system, user, assistant, tool
	Content string
}

// ToolDescriptor advertises one callable tool to the model.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  string // JSON Schema
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ChatResponse is one non-streaming completion, possibly carrying tool
// calls instead of (or alongside) content.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Config resolves provider connection details from the profile.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	TimeoutSecs int
}

// Service is what the agent runtime depends on.
type Service interface {
	ChatWithTools(ctx context.Context, messages []Message, tools []ToolDescriptor) (*ChatResponse, error)
	ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

type service struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

// New builds a Service bound to cfg. BaseURL empty means the official
// OpenAI endpoint; any OpenAI-compatible provider can be pointed to via
// FABRIC_LLM_BASE_URL.
func New(cfg Config) Service {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	timeout := cfg.TimeoutSecs
	if timeout <= 0 {
		timeout = 120
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	return &service{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		timeout:     time.Duration(timeout) * time.Second,
	}
}

func (s *service) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDescriptor) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	openaiTools := make([]openai.Tool, len(tools))
	for i, t := range tools {
		openaiTools[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		}
	}

	temperature := s.temperature
	if len(openaiTools) > 0 && temperature > 0.1 {
		temperature = 0.1 // deterministic tool selection
	}

	req := openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: temperature,
		Messages:    convertMessages(messages),
		Tools:       openaiTools,
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm: chat with tools failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty response")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

func (s *service) ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	contentChan := make(chan string, 16)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		req := openai.ChatCompletionRequest{
			Model:       s.model,
			MaxTokens:   s.maxTokens,
			Temperature: s.temperature,
			Messages:    convertMessages(messages),
		}

		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			select {
			case errChan <- fmt.Errorf("llm: create stream failed: %w", err):
			case <-ctx.Done():
			}
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") {
					return
				}
				select {
				case errChan <- fmt.Errorf("llm: stream recv failed: %w", err):
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				select {
				case contentChan <- delta:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return contentChan, errChan
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		case "tool":
			role = openai.ChatMessageRoleTool
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

func init() {
	// ChatMessageRoleTool requires go-openai to support tool-role messages;
	// logged once so an unsupported SDK version fails loudly at startup
	// instead of silently downgrading tool results to user turns.
	if openai.ChatMessageRoleTool == "" {
		slog.Error("llm: go-openai build lacks tool-role support")
	}
}
