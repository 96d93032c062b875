package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const analysisPrompt = `You are a clinical laboratory assistant. Read the attached lab report and respond with a single JSON object, no markdown fences, with the fields: "summary" (string), "risk_level" ("low", "medium" or "high"), "biomarkers" (object mapping test name to numeric value) and "recommendations" (array of strings).`

const dietPlanPrompt = `Based on the following lab report analysis, respond with a single JSON object, no markdown fences, describing a one-week diet plan with the fields: "overview" (string) and "days" (array of objects with "day", "breakfast", "lunch", "dinner"). Analysis: `

// Client calls a Gemini-style generateContent API. Analysis, diet-plan
// generation and speech synthesis are all pass-through calls: the
// service sends input and persists whatever JSON or audio comes back.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	ttsModel   string
	httpClient *http.Client
}

func New(baseURL, apiKey, model, ttsModel string) *Client {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if ttsModel == "" {
		ttsModel = "gemini-2.5-flash-preview-tts"
	}

	return &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:   apiKey,
		model:    model,
		ttsModel: ttsModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// AnalyzeReport sends the raw PDF inline and returns the structured
// analysis JSON produced by the model.
func (c *Client) AnalyzeReport(ctx context.Context, pdf []byte) (string, error) {
	req := generateRequest{
		Contents: []content{{Parts: []part{
			{Text: analysisPrompt},
			{InlineData: &inlineData{
				MimeType: "application/pdf",
				Data:     base64.StdEncoding.EncodeToString(pdf),
			}},
		}}},
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json"},
	}

	resp, err := c.generate(ctx, c.model, req)
	if err != nil {
		return "", fmt.Errorf("analyze report: %w", err)
	}

	text, err := firstText(resp)
	if err != nil {
		return "", fmt.Errorf("analyze report: %w", err)
	}

	return text, nil
}

// GenerateDietPlan turns a persisted analysis into a diet-plan JSON.
func (c *Client) GenerateDietPlan(ctx context.Context, analysisJSON string) (string, error) {
	req := generateRequest{
		Contents: []content{{Parts: []part{
			{Text: dietPlanPrompt + analysisJSON},
		}}},
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json"},
	}

	resp, err := c.generate(ctx, c.model, req)
	if err != nil {
		return "", fmt.Errorf("generate diet plan: %w", err)
	}

	text, err := firstText(resp)
	if err != nil {
		return "", fmt.Errorf("generate diet plan: %w", err)
	}

	return text, nil
}

// Synthesize returns spoken audio bytes for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	req := generateRequest{
		Contents: []content{{Parts: []part{
			{Text: text},
		}}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"AUDIO"}},
	}

	resp, err := c.generate(ctx, c.ttsModel, req)
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}

	for _, candidate := range resp.Candidates {
		for _, p := range candidate.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("synthesize speech: decode audio: %w", err)
			}
			return audio, nil
		}
	}

	return nil, fmt.Errorf("synthesize speech: response contains no audio")
}

func (c *Client) generate(ctx context.Context, model string, payload generateRequest) (generateResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return generateResponse{}, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return generateResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return generateResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return generateResponse{}, fmt.Errorf("read response: %w", err)
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return generateResponse{}, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return generateResponse{}, fmt.Errorf("api error: %s", parsed.Error.Message)
		}
		return generateResponse{}, fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	return parsed, nil
}

func firstText(resp generateResponse) (string, error) {
	for _, candidate := range resp.Candidates {
		for _, p := range candidate.Content.Parts {
			if text := strings.TrimSpace(p.Text); text != "" {
				return text, nil
			}
		}
	}

	return "", fmt.Errorf("response contains no text")
}
