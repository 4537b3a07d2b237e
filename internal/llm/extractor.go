// Package llm implements the structured-extraction backend contract: given a
// conversation transcript, ask a chat-completion model to call a single
// fixed-schema tool with whatever lead fields the visitor explicitly stated.
//
// The contract is deliberately conservative: the model is instructed never to
// infer, a missing tool call means "nothing extracted", and any backend error
// degrades to a nil result at the service layer; extraction must never block
// or fail the surrounding conversation flow.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Turn is one transcript entry handed to the extractor.
type Turn struct {
	Role    string // "visitor" or "agent"
	Content string
}

// LeadFields is the fixed ten-field extraction schema. Every field is
// optional; nil means the backend did not find the value explicitly stated.
type LeadFields struct {
	Name              *string `json:"name,omitempty"`
	Email             *string `json:"email,omitempty"`
	Phone             *string `json:"phone,omitempty"`
	Age               *string `json:"age,omitempty"`
	Occupation        *string `json:"occupation,omitempty"`
	AddictionHistory  *string `json:"addiction_history,omitempty"`
	DrugOfChoice      *string `json:"drug_of_choice,omitempty"`
	TreatmentInterest *string `json:"treatment_interest,omitempty"`
	InsuranceInfo     *string `json:"insurance_info,omitempty"`
	UrgencyLevel      *string `json:"urgency_level,omitempty"`
}

// Empty reports whether no field was extracted.
func (f *LeadFields) Empty() bool {
	return f == nil || (f.Name == nil && f.Email == nil && f.Phone == nil &&
		f.Age == nil && f.Occupation == nil && f.AddictionHistory == nil &&
		f.DrugOfChoice == nil && f.TreatmentInterest == nil &&
		f.InsuranceInfo == nil && f.UrgencyLevel == nil)
}

// Extractor is the structured-extraction contract consumed by
// services.ExtractionService. A (nil, nil) return means nothing extracted.
type Extractor interface {
	ExtractLead(ctx context.Context, transcript []Turn) (*LeadFields, error)
}

const captureToolName = "capture_lead"

const systemPrompt = `You extract lead information from a website chat transcript.
Call ` + captureToolName + ` with ONLY information the visitor explicitly stated
about themselves. Never guess, infer, or fill a field from context. If the
visitor stated nothing usable, do not call the tool at all. Omit every field
you are not certain about; an omitted field is always better than a wrong one.`

// Client calls an OpenAI-compatible chat-completion endpoint with the
// capture_lead tool schema.
type Client struct {
	client *openai.Client
	model  string
}

// NewClient builds an extraction client. baseURL may point at any
// OpenAI-compatible endpoint; apiKey may be empty for unauthenticated local
// backends.
func NewClient(baseURL, apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	c := openai.NewClient(opts...)
	return &Client{client: &c, model: model}
}

// ExtractLead sends the transcript and decodes the tool-call arguments.
// Visitor turns are presented as user messages, agent turns as assistant
// messages. No tool call, empty arguments, or an all-blank result all come
// back as (nil, nil).
func (c *Client) ExtractLead(ctx context.Context, transcript []Turn) (*LeadFields, error) {
	if len(transcript) == 0 {
		return nil, nil
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript)+1)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, turn := range transcript {
		if turn.Role == "agent" {
			messages = append(messages, openai.AssistantMessage(turn.Content))
			continue
		}
		messages = append(messages, openai.UserMessage(turn.Content))
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    c.model,
		Tools: []openai.ChatCompletionToolParam{
			{
				Function: openai.FunctionDefinitionParam{
					Name:        captureToolName,
					Description: openai.String("Record lead fields the visitor explicitly stated."),
					Parameters:  captureSchema(),
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name != captureToolName {
			continue
		}
		return DecodeArguments(call.Function.Arguments)
	}
	return nil, nil
}

// DecodeArguments parses a capture_lead arguments payload into LeadFields,
// dropping blank values so callers never see an "extracted" empty string.
// Undecodable payloads count as nothing extracted.
func DecodeArguments(raw string) (*LeadFields, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var f LeadFields
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, nil
	}
	for _, p := range []**string{
		&f.Name, &f.Email, &f.Phone, &f.Age, &f.Occupation,
		&f.AddictionHistory, &f.DrugOfChoice, &f.TreatmentInterest,
		&f.InsuranceInfo, &f.UrgencyLevel,
	} {
		if *p != nil && strings.TrimSpace(**p) == "" {
			*p = nil
		}
	}
	if f.Empty() {
		return nil, nil
	}
	return &f, nil
}

// captureSchema is the JSON-schema parameter block for the capture tool.
func captureSchema() openai.FunctionParameters {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return openai.FunctionParameters{
		"type": "object",
		"properties": map[string]any{
			"name":               str("Visitor's full name, exactly as stated."),
			"email":              str("Email address the visitor gave."),
			"phone":              str("Phone number the visitor gave."),
			"age":                str("Visitor's stated age."),
			"occupation":         str("Visitor's stated occupation."),
			"addiction_history":  str("What the visitor said about their addiction history."),
			"drug_of_choice":     str("Substance the visitor named."),
			"treatment_interest": str("Treatment or program the visitor asked about."),
			"insurance_info":     str("Insurance provider or plan details the visitor gave."),
			"urgency_level":      str("How urgent the visitor said their situation is."),
		},
	}
}
