package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPScorer forwards one item to an external scoring backend over HTTP and
// decodes its JSON response, the shape every scoring backend in §1 takes
// from the gateway's point of view: "the core calls a pure operation
// score(request) -> response and does not reason about its internals."
type HTTPScorer struct {
	client  *http.Client
	baseURL string
}

func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (s *HTTPScorer) Score(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding scoring request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling scoring backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scoring backend returned status %d", resp.StatusCode)
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding scoring response: %w", err)
	}
	return out, nil
}
