// Package gemini implements ai.Provider against the Gemini generateContent
// HTTP API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"classwatch/internal/ai"
	"classwatch/internal/config"
)

// Provider implements ai.Provider using the Gemini REST API.
type Provider struct {
	cfg    config.AIConfig
	client *http.Client
}

func NewProvider(cfg config.AIConfig) *Provider {
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *Provider) Name() string { return "gemini" }

type part struct {
	Text             string            `json:"text,omitempty"`
	FileData         *fileData         `json:"fileData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type fileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type functionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type tool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"topP"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	Tools            []tool           `json:"tools,omitempty"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

// Generate runs the generation loop: one request per tool-call round, bounded
// by MaxToolRounds, accumulating usage counters across rounds.
func (p *Provider) Generate(ctx context.Context, req ai.GenerateRequest) (ai.GenerateResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return ai.GenerateResult{}, ai.ErrEmptyPrompt
	}

	parts := []part{{Text: req.Prompt}}
	for _, uri := range req.MediaURIs {
		parts = append(parts, part{FileData: &fileData{
			MIMEType: req.MIMEType,
			FileURI:  uri,
		}})
	}

	contents := []content{{Role: "user", Parts: parts}}

	var tools []tool
	handlers := make(map[string]ai.ToolHandler, len(req.Tools))
	if len(req.Tools) > 0 {
		declarations := make([]functionDeclaration, 0, len(req.Tools))
		for _, handler := range req.Tools {
			declarations = append(declarations, functionDeclaration{
				Name:        handler.Name,
				Description: handler.Description,
			})
			handlers[handler.Name] = handler
		}
		tools = []tool{{FunctionDeclarations: declarations}}
	}

	var result ai.GenerateResult

	for round := 0; round <= p.cfg.MaxToolRounds; round++ {
		response, err := p.call(ctx, generateRequest{
			Contents: contents,
			Tools:    tools,
			GenerationConfig: generationConfig{
				Temperature: req.Temperature,
				TopP:        req.TopP,
			},
		})
		if err != nil {
			return ai.GenerateResult{}, err
		}

		result.Usage.InputTokens += response.UsageMetadata.PromptTokenCount
		result.Usage.OutputTokens += response.UsageMetadata.CandidatesTokenCount

		if len(response.Candidates) == 0 {
			return ai.GenerateResult{}, fmt.Errorf("model returned no candidates")
		}

		modelContent := response.Candidates[0].Content
		calls := pendingCalls(modelContent)
		if len(calls) == 0 {
			result.Text = joinText(modelContent)
			return result, nil
		}

		// Feed tool results back and go another round.
		contents = append(contents, modelContent)
		responses := make([]part, 0, len(calls))
		for _, call := range calls {
			handler, ok := handlers[call.Name]
			if !ok {
				return ai.GenerateResult{}, fmt.Errorf("model requested unknown tool %q", call.Name)
			}

			output, err := handler.Invoke(ctx, call.Args)
			if err != nil {
				log.Warn().Err(err).Str("tool", call.Name).Msg("Tool invocation failed")
				output = fmt.Sprintf("error: %v", err)
			}

			responses = append(responses, part{FunctionResponse: &functionResponse{
				Name:     call.Name,
				Response: map[string]any{"result": output},
			}})
		}
		contents = append(contents, content{Role: "user", Parts: responses})
	}

	return ai.GenerateResult{}, fmt.Errorf("tool-call rounds exceeded limit of %d", p.cfg.MaxToolRounds)
}

func (p *Provider) call(ctx context.Context, body generateRequest) (*generateResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), p.cfg.Model, p.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("model API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var response generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode generation response: %w", err)
	}

	return &response, nil
}

func pendingCalls(c content) []functionCall {
	var calls []functionCall
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}

func joinText(c content) string {
	var builder strings.Builder
	for _, p := range c.Parts {
		builder.WriteString(p.Text)
	}
	return builder.String()
}

var _ ai.Provider = (*Provider)(nil)
