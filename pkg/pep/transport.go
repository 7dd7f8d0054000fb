package pep

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultSendTimeout = 10 * time.Second

// Message is one outbound delivery.
type Message struct {
	URL         string
	Body        []byte
	ContentType string
}

// Sender delivers a message to its URL.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPSender posts messages over HTTP. Any non-2xx status is an error.
type HTTPSender struct {
	client  *http.Client
	headers map[string]string
}

// NewHTTPSender creates an HTTPSender. A zero timeout uses 10s.
func NewHTTPSender(timeout time.Duration, headers map[string]string) *HTTPSender {
	if timeout == 0 {
		timeout = defaultSendTimeout
	}
	return &HTTPSender{client: &http.Client{Timeout: timeout}, headers: headers}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.URL, bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("pep: build request: %w", err)
	}
	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pep: post %s: %w", msg.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pep: post %s: status %d", msg.URL, resp.StatusCode)
	}
	return nil
}
