package llm

import (
	"context"
	"errors"
	"net"

	"github.com/sashabaranov/go-openai"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = openai.ChatMessageRoleSystem
	RoleUser      Role = openai.ChatMessageRoleUser
	RoleAssistant Role = openai.ChatMessageRoleAssistant
)

// Message is one entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Model    string
	Messages []Message
}

// OpenAITransport sends requests through an OpenAI-compatible chat completions client.
type OpenAITransport struct {
	client Client
}

// NewOpenAITransport wraps client as a Transport.
func NewOpenAITransport(client Client) *OpenAITransport {
	return &OpenAITransport{client: client}
}

// Complete returns the content of the first choice.
func (t *OpenAITransport) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	})
	if err != nil {
		// A client-side timeout is a connection problem unless the caller's own context ended.
		var netErr net.Error
		if ctx.Err() == nil && errors.As(err, &netErr) && netErr.Timeout() {
			return "", &Failure{Kind: KindConnection, Err: err}
		}
		return "", Classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &Failure{Kind: KindPermanent, Err: ErrNoChoices}
	}
	return resp.Choices[0].Message.Content, nil
}
