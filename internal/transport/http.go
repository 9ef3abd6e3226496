package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPSender delivers a message to an agent's HTTP fallback endpoint as a
// one-shot POST, matching the wire format's "HTTP POST is an acceptable
// fallback with the same JSON body" rule.
type HTTPSender struct {
	Client *http.Client
}

// NewHTTPSender returns a sender with a bounded timeout client.
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{Client: &http.Client{Timeout: 10 * time.Second}}
}

// Post delivers data to url as a JSON POST.
func (s *HTTPSender) Post(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http transport: unexpected status %d", resp.StatusCode)
	}
	return nil
}
