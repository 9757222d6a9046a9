package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultMaxRounds bounds tool-calling rounds when a Conversation leaves
// MaxRounds unset.
const DefaultMaxRounds = 8

// Tool is a function the model may call during a conversation.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON Schema of the arguments object.
	Parameters  any
	Call        func(ctx context.Context, arguments string) (string, error)
}

// Observer is notified around every tool call as it happens.
type Observer interface {
	CallStarted(name, input string)
	CallFinished(name, input, output string, err error)
}

// Conversation is one model interaction, possibly spanning several
// tool-calling rounds.
type Conversation struct {
	System         string
	Messages       []openai.ChatCompletionMessage
	Tools          []Tool
	MaxRounds      int
	ResponseFormat *openai.ChatCompletionResponseFormat
	Observer       Observer
}

// CallRecord is one tool call made during a conversation.
type CallRecord struct {
	Name   string
	Input  string
	Output string
	Err    error
}

// Transcript is what a conversation produced.
type Transcript struct {
	FinalText string
	Calls     []CallRecord
	Rounds    int
}

// Converse runs the model, executing requested tool calls and feeding their
// results back, until the model answers without calling a tool. When
// MaxRounds is reached the model is asked once more with tool use disabled.
// Tool errors are returned to the model as text; only model errors abort.
func Converse(ctx context.Context, c Client, conv Conversation) (Transcript, error) {
	maxRounds := conv.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	tools := make(map[string]Tool, len(conv.Tools))
	defs := make([]openai.Tool, 0, len(conv.Tools))
	for _, t := range conv.Tools {
		tools[t.Name] = t
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(conv.Messages)+1)
	if conv.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: conv.System})
	}
	messages = append(messages, conv.Messages...)

	var tr Transcript
	for {
		req := openai.ChatCompletionRequest{
			Messages:       messages,
			ResponseFormat: conv.ResponseFormat,
		}
		if len(defs) > 0 {
			req.Tools = defs
			if tr.Rounds >= maxRounds {
				req.ToolChoice = "none"
			}
		}

		resp, err := c.Complete(ctx, req)
		if err != nil {
			return tr, err
		}
		tr.Rounds++
		msg := resp.Choices[0].Message
		messages = append(messages, msg)

		if len(msg.ToolCalls) == 0 || tr.Rounds > maxRounds {
			tr.FinalText = msg.Content
			return tr, nil
		}

		for _, call := range msg.ToolCalls {
			rec := invoke(ctx, tools, call, conv.Observer)
			tr.Calls = append(tr.Calls, rec)

			content := rec.Output
			if rec.Err != nil {
				content = "error: " + rec.Err.Error()
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			})
		}
	}
}

func invoke(ctx context.Context, tools map[string]Tool, call openai.ToolCall, obs Observer) CallRecord {
	rec := CallRecord{Name: call.Function.Name, Input: call.Function.Arguments}
	if obs != nil {
		obs.CallStarted(rec.Name, rec.Input)
	}
	t, ok := tools[rec.Name]
	if !ok {
		rec.Err = fmt.Errorf("unknown tool %q", rec.Name)
	} else {
		rec.Output, rec.Err = t.Call(ctx, rec.Input)
	}
	if obs != nil {
		obs.CallFinished(rec.Name, rec.Input, rec.Output, rec.Err)
	}
	return rec
}

// InvokeStructured runs conv under contract's JSON-schema response format.
// A reply that validates is Structured; any other non-empty reply is RawText
// for the caller to parse leniently; a model error or empty reply is
// Unavailable.
func InvokeStructured[T any](ctx context.Context, c Client, contract *Contract[T], conv Conversation) Result[T] {
	conv.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   contract.Name(),
			Schema: contract,
			Strict: true,
		},
	}
	tr, err := Converse(ctx, c, conv)
	if err != nil {
		return Unavailable[T](err)
	}
	text := strings.TrimSpace(tr.FinalText)
	if text == "" {
		return Unavailable[T](errors.New("llm: empty response"))
	}
	if v, err := contract.Parse(text); err == nil {
		return Structured(v)
	}
	return RawText[T](text)
}
