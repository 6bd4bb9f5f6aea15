package scanning

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

// OpenAI implements the Scanner interface using the chat completions API
// with an inline image.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAI creates a new OpenAI Scanner instance. baseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAI(baseURL, apiKey, modelName string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}

	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   modelName,
		client:  &http.Client{Timeout: 90 * time.Second},
	}, nil
}

// Name identifies the provider and model
func (o *OpenAI) Name() string {
	return "openai:" + o.model
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract sends the receipt to the chat completions endpoint and returns the
// raw model output
func (o *OpenAI) Extract(ctx context.Context, data []byte, contentType string) (*Extraction, error) {
	pngData, err := toPNG(data, contentType)
	if err != nil {
		return nil, err
	}

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)
	body := map[string]any{
		"model":           o.model,
		"temperature":     0,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": "You extract structured data from receipt images and reply with JSON only."},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": receiptExtractPrompt},
				{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
			}},
		},
	}

	raw, err := o.post(ctx, o.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var cc openAIResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, serviceError(o.Name(), http.StatusOK, fmt.Errorf("decoding response: %w", err))
	}
	if len(cc.Choices) == 0 {
		return nil, serviceError(o.Name(), http.StatusOK, fmt.Errorf("no choices in response"))
	}

	return NewExtraction(strings.TrimSpace(cc.Choices[0].Message.Content), o.Name()), nil
}

func (o *OpenAI) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, serviceError(o.Name(), 0, fmt.Errorf("calling openai API: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, serviceError(o.Name(), resp.StatusCode, fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, serviceError(o.Name(), resp.StatusCode, fmt.Errorf("openai API error: %s", strings.TrimSpace(string(raw))))
	}

	return raw, nil
}

// Close is a no-op for the HTTP client
func (o *OpenAI) Close() error {
	return nil
}
