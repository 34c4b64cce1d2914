// Copyright 2025 The Ensemble Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gemini implements model.Model on top of the official
// google.golang.org/genai SDK.
//
// Streaming responses flow through a model.StreamingAggregator so callers
// receive partial deltas followed by a single aggregated final response.
// Function calls arriving with empty IDs get stable content-derived IDs so
// repeated chunks deduplicate instead of multiplying.
package gemini

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/a2aproject/a2a-go/a2a"
	"google.golang.org/genai"

	"github.com/ensembleworks/ensemble/pkg/model"
	"github.com/ensembleworks/ensemble/pkg/tool"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-2.0-flash"

// Config contains configuration for the Gemini model.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the model name (e.g., "gemini-2.0-flash", "gemini-1.5-pro").
	Model string

	// MaxTokens limits the response length when the request carries no limit.
	MaxTokens int

	// Temperature is the default sampling temperature (0-2).
	Temperature float64
}

type geminiModel struct {
	client *genai.Client
	name   string
	config Config
}

// New creates a Gemini-backed model.
func New(cfg Config) (model.Model, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &geminiModel{
		client: client,
		name:   cfg.Model,
		config: cfg,
	}, nil
}

// Name returns the model identifier.
func (m *geminiModel) Name() string {
	return m.name
}

// GenerateContent produces responses for the given request.
func (m *geminiModel) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	if stream {
		return m.generateStream(ctx, req)
	}

	return func(yield func(*model.Response, error) bool) {
		resp, err := m.generate(ctx, req)
		yield(resp, err)
	}
}

// Close releases resources.
func (m *geminiModel) Close() error {
	return nil
}

func (m *geminiModel) generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	contents, systemInstruction := m.buildRequest(req)
	config := m.buildConfig(req.Config, systemInstruction, req.Tools)

	genResp, err := m.client.Models.GenerateContent(ctx, m.name, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}

	return m.parseResponse(genResp)
}

func (m *geminiModel) generateStream(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		contents, systemInstruction := m.buildRequest(req)
		config := m.buildConfig(req.Config, systemInstruction, req.Tools)

		agg := model.NewStreamingAggregator()
		emittedCallIDs := make(map[string]bool)

		for genResp, err := range m.client.Models.GenerateContentStream(ctx, m.name, contents, config) {
			if err != nil {
				yield(nil, fmt.Errorf("gemini streaming error: %w", err))
				return
			}
			if !m.processStreamChunk(agg, genResp, emittedCallIDs, yield) {
				return
			}
		}

		if final := agg.Final(); final != nil {
			yield(final, nil)
		}
	}
}

// processStreamChunk feeds one streaming chunk into the aggregator, yielding
// each partial response it produces. Returns false when the consumer stopped.
func (m *geminiModel) processStreamChunk(agg *model.StreamingAggregator, genResp *genai.GenerateContentResponse, emittedCallIDs map[string]bool, yield func(*model.Response, error) bool) bool {
	if len(genResp.Candidates) == 0 {
		return true
	}
	candidate := genResp.Candidates[0]

	if candidate.FinishReason != "" {
		agg.SetFinishReason(mapFinishReason(candidate.FinishReason))
	}
	if genResp.UsageMetadata != nil {
		agg.SetUsage(usageFromMetadata(genResp.UsageMetadata))
	}

	if candidate.Content == nil {
		return true
	}

	for _, part := range candidate.Content.Parts {
		// Thought signatures must survive the turn for function calling
		// continuity. See https://ai.google.dev/gemini-api/docs/thought-signatures
		if len(part.ThoughtSignature) > 0 {
			agg.SetThinkingSignature(string(part.ThoughtSignature))
		}

		if part.Text != "" {
			var resp *model.Response
			if part.Thought {
				resp = agg.AddThinking(part.Text)
			} else {
				resp = agg.AddText(part.Text)
			}
			if !yield(resp, nil) {
				return false
			}
		}

		if part.FunctionCall != nil {
			callID := part.FunctionCall.ID
			if callID == "" {
				callID = stableFunctionCallID(part.FunctionCall.Name, part.FunctionCall.Args)
			}
			// Gemini can repeat the same FunctionCall part across chunks.
			if emittedCallIDs[callID] {
				continue
			}
			emittedCallIDs[callID] = true

			resp := agg.AddToolCall(tool.ToolCall{
				ID:   callID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
			if resp != nil && !yield(resp, nil) {
				return false
			}
		}
	}
	return true
}

// stableFunctionCallID derives a deterministic ID from the call name and
// arguments so that the same call keeps the same ID across chunks even when
// Gemini leaves the ID empty.
func stableFunctionCallID(name string, args map[string]any) string {
	data, _ := json.Marshal(map[string]any{
		"name": name,
		"args": args,
	})
	hash := sha256.Sum256(data)
	return fmt.Sprintf("ensemble-%x", hash[:16])
}

// buildRequest converts a model.Request to Gemini contents plus an optional
// system instruction content.
func (m *geminiModel) buildRequest(req *model.Request) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	if req.SystemInstruction != "" {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
			Role:  "user",
		}
	}

	for _, msg := range req.Messages {
		if content := m.messageToContent(msg); content != nil {
			contents = append(contents, content)
		}
	}

	return contents, systemInstruction
}

// messageToContent converts an a2a.Message to genai.Content.
func (m *geminiModel) messageToContent(msg *a2a.Message) *genai.Content {
	if msg == nil {
		return nil
	}

	var parts []*genai.Part

	for _, p := range msg.Parts {
		switch part := p.(type) {
		case a2a.TextPart:
			parts = append(parts, &genai.Part{Text: part.Text})

		case a2a.DataPart:
			kind, _ := part.Data["type"].(string)
			switch kind {
			case "tool_use":
				name, ok := part.Data["name"].(string)
				if !ok {
					continue
				}
				args, _ := part.Data["arguments"].(map[string]any)
				id, _ := part.Data["id"].(string)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   id,
						Name: name,
						Args: args,
					},
				})

			case "tool_result":
				name, _ := part.Data["tool_name"].(string)
				id, _ := part.Data["tool_call_id"].(string)

				// Gemini expects a map response; string content wraps as
				// {"result": ...}.
				var response map[string]any
				if content, ok := part.Data["content"].(string); ok {
					response = map[string]any{"result": content}
				} else if result, ok := part.Data["result"].(map[string]any); ok {
					response = result
				}

				if name != "" || id != "" {
					parts = append(parts, &genai.Part{
						FunctionResponse: &genai.FunctionResponse{
							ID:       id,
							Name:     name,
							Response: response,
						},
					})
				}

			case "thinking":
				// Replay prior thinking only when it carries a signature;
				// unsigned thought text has no continuity value.
				sig, _ := part.Data["signature"].(string)
				if sig == "" {
					continue
				}
				content, _ := part.Data["content"].(string)
				parts = append(parts, &genai.Part{
					Text:             content,
					Thought:          true,
					ThoughtSignature: []byte(sig),
				})
			}

		case a2a.FilePart:
			switch f := part.File.(type) {
			case a2a.FileBytes:
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{
						MIMEType: f.MimeType,
						Data:     []byte(f.Bytes),
					},
				})
			case a2a.FileURI:
				parts = append(parts, &genai.Part{
					FileData: &genai.FileData{
						MIMEType: f.MimeType,
						FileURI:  f.URI,
					},
				})
			}
		}
	}

	if len(parts) == 0 {
		return nil
	}

	role := "user"
	if msg.Role == a2a.MessageRoleAgent {
		role = "model"
	}

	return &genai.Content{
		Parts: parts,
		Role:  role,
	}
}

// buildConfig creates the Gemini generation config from request settings
// layered over model defaults.
func (m *geminiModel) buildConfig(cfg *model.GenerateConfig, systemInstruction *genai.Content, tools []tool.Definition) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
	}

	if cfg != nil {
		if cfg.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*cfg.Temperature))
		}
		if cfg.MaxTokens != nil {
			config.MaxOutputTokens = int32(*cfg.MaxTokens)
		}
		if cfg.TopP != nil {
			config.TopP = genai.Ptr(float32(*cfg.TopP))
		}
		if cfg.TopK != nil {
			config.TopK = genai.Ptr(float32(*cfg.TopK))
		}
		if len(cfg.StopSequences) > 0 {
			config.StopSequences = cfg.StopSequences
		}
		if cfg.ResponseMIMEType != "" {
			config.ResponseMIMEType = cfg.ResponseMIMEType
		}
		if cfg.ResponseSchema != nil {
			config.ResponseSchema = toGenaiSchema(cfg.ResponseSchema)
			if config.ResponseMIMEType == "" {
				config.ResponseMIMEType = "application/json"
			}
		}
		if cfg.EnableThinking {
			thinkingConfig := &genai.ThinkingConfig{
				IncludeThoughts: true,
			}
			if cfg.ThinkingBudget > 0 {
				budget := int32(cfg.ThinkingBudget)
				thinkingConfig.ThinkingBudget = &budget
			}
			config.ThinkingConfig = thinkingConfig
		}
	}

	if config.Temperature == nil && m.config.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(m.config.Temperature))
	}
	if config.MaxOutputTokens == 0 && m.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(m.config.MaxTokens)
	}

	if len(tools) > 0 {
		config.Tools = buildTools(tools)
	}

	return config
}

func buildTools(tools []tool.Definition) []*genai.Tool {
	var genaiTools []*genai.Tool
	for _, t := range tools {
		genaiTools = append(genaiTools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  toGenaiSchema(t.Parameters),
				},
			},
		})
	}
	return genaiTools
}

// toGenaiSchema converts a JSON schema map to a genai.Schema.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

// parseResponse converts a non-streaming Gemini response.
func (m *geminiModel) parseResponse(genResp *genai.GenerateContentResponse) (*model.Response, error) {
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	candidate := genResp.Candidates[0]

	resp := &model.Response{
		TurnComplete: true,
		FinishReason: mapFinishReason(candidate.FinishReason),
	}

	if candidate.Content != nil {
		var parts []a2a.Part
		var toolCalls []tool.ToolCall
		var thinking string
		var thoughtSignature string

		for _, part := range candidate.Content.Parts {
			if len(part.ThoughtSignature) > 0 {
				thoughtSignature = string(part.ThoughtSignature)
			}

			if part.Text != "" {
				if part.Thought {
					thinking += part.Text
				} else {
					parts = append(parts, a2a.TextPart{Text: part.Text})
				}
			}
			if part.FunctionCall != nil {
				callID := part.FunctionCall.ID
				if callID == "" {
					callID = stableFunctionCallID(part.FunctionCall.Name, part.FunctionCall.Args)
				}
				tc := tool.ToolCall{
					ID:   callID,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}
				toolCalls = append(toolCalls, tc)
				parts = append(parts, a2a.DataPart{
					Data: map[string]any{
						"type":      "tool_use",
						"id":        tc.ID,
						"name":      tc.Name,
						"arguments": tc.Args,
					},
				})
			}
		}

		role := a2a.MessageRoleAgent
		if candidate.Content.Role == "user" {
			role = a2a.MessageRoleUser
		}

		resp.Content = &model.Content{
			Parts: parts,
			Role:  role,
		}
		resp.ToolCalls = toolCalls

		if thinking != "" {
			resp.Thinking = &model.ThinkingBlock{
				Content:   thinking,
				Signature: thoughtSignature,
			}
		}
	}

	if genResp.UsageMetadata != nil {
		resp.Usage = usageFromMetadata(genResp.UsageMetadata)
	}

	return resp, nil
}

func usageFromMetadata(md *genai.GenerateContentResponseUsageMetadata) *model.Usage {
	return &model.Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
		ThinkingTokens:   int(md.ThoughtsTokenCount),
	}
}

func mapFinishReason(reason genai.FinishReason) model.FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return model.FinishReasonStop
	case genai.FinishReasonMaxTokens:
		return model.FinishReasonLength
	case genai.FinishReasonSafety:
		return model.FinishReasonContent
	default:
		return model.FinishReasonStop
	}
}

var _ model.Model = (*geminiModel)(nil)
