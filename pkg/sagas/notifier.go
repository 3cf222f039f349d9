package sagas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/orchestra/pkg/resiliency"
)

// HTTPNotifier delivers email and chat messages through a JSON webhook
// gateway. Requests go through the resiliency client, so retries and the
// breaker apply.
type HTTPNotifier struct {
	client  *resiliency.Client
	baseURL string
}

type notifyRequest struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

type notifyResponse struct {
	ID string `json:"id"`
}

func NewHTTPNotifier(client *resiliency.Client, baseURL string) *HTTPNotifier {
	return &HTTPNotifier{client: client, baseURL: baseURL}
}

// Send implements Mailer.
func (n *HTTPNotifier) Send(ctx context.Context, to, subject, body string) (string, error) {
	return n.post(ctx, notifyRequest{Channel: "email", To: to, Subject: subject, Body: body})
}

// Chat returns a Messenger posting to the given channel, e.g. "whatsapp".
func (n *HTTPNotifier) Chat(channel string) Messenger {
	return chat{n: n, channel: channel}
}

type chat struct {
	n       *HTTPNotifier
	channel string
}

func (c chat) Send(ctx context.Context, to, text string) (string, error) {
	return c.n.post(ctx, notifyRequest{Channel: c.channel, To: to, Body: text})
}

func (n *HTTPNotifier) post(ctx context.Context, msg notifyRequest) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("notify %s: unexpected status %d", msg.Channel, resp.StatusCode)
	}
	var out notifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("notify %s: decode response: %w", msg.Channel, err)
	}
	return out.ID, nil
}
