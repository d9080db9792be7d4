package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
)

const DefaultBaseURL = "https://graph.facebook.com/v19.0"

// Credentials identify the sending business number of a tenant.
type Credentials struct {
	PhoneNumberID string
	Token         string
}

// CredentialSource resolves the sending credentials of a tenant. Obtaining
// and refreshing tokens happens outside the engine.
type CredentialSource interface {
	Credentials(ctx context.Context, tenantID string) (Credentials, error)
}

// StaticCredentials serves one configured number for every tenant.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context, string) (Credentials, error) {
	if s.PhoneNumberID == "" || s.Token == "" {
		return Credentials{}, errors.New("whatsapp credentials not configured")
	}
	return Credentials(s), nil
}

type CloudAPIClient struct {
	baseURL string
	creds   CredentialSource
	client  *http.Client
}

func NewCloudAPIClient(baseURL string, creds CredentialSource, timeout time.Duration) *CloudAPIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CloudAPIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts a text message. Failures come back as *apperr.GatewayError:
// network errors, 408, 429 and 5xx are transient, everything else permanent.
func (c *CloudAPIClient) Send(ctx context.Context, tenantID, recipient, body string) (string, error) {
	creds, err := c.creds.Credentials(ctx, tenantID)
	if err != nil {
		return "", apperr.PermanentGateway(0, err)
	}

	reqBody, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "text",
		Text:             textBody{Body: body},
	})
	if err != nil {
		return "", apperr.PermanentGateway(0, err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", apperr.PermanentGateway(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperr.TransientGateway(0, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(respBody))
		if retryable(resp.StatusCode) {
			return "", apperr.TransientGateway(resp.StatusCode, err)
		}
		return "", apperr.PermanentGateway(resp.StatusCode, err)
	}

	var sr sendResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", apperr.PermanentGateway(resp.StatusCode, fmt.Errorf("failed to decode json: %w body=%q", err, string(respBody)))
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return "", apperr.PermanentGateway(resp.StatusCode, fmt.Errorf("missing message id in response body=%q", string(respBody)))
	}

	return sr.Messages[0].ID, nil
}

func retryable(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
