package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const maxTextLength = 50000

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Dims      int32     `json:"dims"`
	ElapsedMS float32   `json:"elapsed_ms"`
}

// HTTPProvider talks to an embedding service over HTTP.
type HTTPProvider struct {
	client     *http.Client
	serviceURL string
	logger     *zap.Logger
}

// NewHTTP builds an HTTPProvider for the given service URL.
func NewHTTP(serviceURL string, timeout time.Duration, logger *zap.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		client:     &http.Client{Timeout: timeout},
		serviceURL: serviceURL,
		logger:     logger,
	}
}

// Embed requests a vector for the given text.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("text is empty, can't embed")
	}
	if len(text) > maxTextLength {
		p.logger.Debug("truncating embedding input", zap.Int("from", len(text)), zap.Int("to", maxTextLength))
		text = text[:maxTextLength]
	}

	payload, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serviceURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding service: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("failed to close embed response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, errors.New("embedding service returned an empty vector")
	}
	return embedResp.Embedding, nil
}

// Close releases idle connections held by the client.
func (p *HTTPProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
