package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/carinho/integracoes/internal/signing"
)

const SourceSystem = "integracoes"

type SendResult struct {
	StatusCode   int
	ResponseBody string
	LatencyMs    int64
	Error        string
}

func (r *SendResult) OK() bool {
	return r.Error == "" && IsSuccess(r.StatusCode)
}

// Request is one signed outbound POST.
type Request struct {
	URL       string
	Secret    string
	EventID   string
	EventType string
	Body      []byte
}

type Sender struct {
	client *http.Client
}

// NewSender bounds the connect and response-header phases separately; timeout
// caps the whole exchange.
func NewSender(connectTimeout, responseTimeout, timeout time.Duration) *Sender {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = responseTimeout
	return &Sender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func NewSenderWithClient(client *http.Client) *Sender {
	return &Sender{client: client}
}

func (s *Sender) Send(ctx context.Context, r Request) *SendResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("failed to create request: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "integracoes/1.0")
	req.Header.Set("X-Webhook-Signature", signing.Sign(r.Secret, r.Body))
	req.Header.Set("X-Source-System", SourceSystem)
	req.Header.Set("X-Event-Type", r.EventType)
	req.Header.Set("X-Event-ID", r.EventID)
	req.Header.Set("X-Timestamp", start.UTC().Format(time.RFC3339))

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("request failed: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	result := &SendResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(body),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if !IsSuccess(resp.StatusCode) {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return result
}
