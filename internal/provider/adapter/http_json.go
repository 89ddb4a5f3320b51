package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"github.com/smallbiznis/smsgate/internal/observability/tracing"
)

const defaultJSONMarker = "success"

type jsonRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Text string `json:"text"`
}

type jsonResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// HTTPJSON posts a JSON document and expects {"status": "<marker>", "message_id": "..."} back.
type HTTPJSON struct {
	client *http.Client
}

func NewHTTPJSON(client *http.Client) *HTTPJSON {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPJSON{client: client}
}

func (a *HTTPJSON) Kind() providerdomain.Kind { return providerdomain.KindHTTPJSON }

func (a *HTTPJSON) Send(ctx context.Context, cfg providerdomain.ProviderConfig, msg providerdomain.Message) (providerdomain.Response, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return providerdomain.Response{}, providerdomain.ErrInvalidEndpoint
	}

	payload, err := json.Marshal(jsonRequest{To: msg.To, From: msg.From, Text: msg.Body})
	if err != nil {
		return providerdomain.Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return providerdomain.Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := cfg.Credentials["api_key"]; key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		return providerdomain.Response{}, err
	}
	defer resp.Body.Close()

	return interpretJSON(resp.StatusCode, readBody(resp), cfg.SuccessMarker), nil
}

func interpretJSON(status int, body, marker string) providerdomain.Response {
	if marker == "" {
		marker = defaultJSONMarker
	}
	out := providerdomain.Response{StatusCode: status, Raw: body}

	var decoded jsonResponse
	decodeErr := json.Unmarshal([]byte(body), &decoded)

	if !statusSuccess(status) {
		out.Retryable = retryableStatus(status)
		out.ErrorText = fmt.Sprintf("http %d", status)
		if decodeErr == nil && decoded.Error != "" {
			out.ErrorText = fmt.Sprintf("http %d: %s", status, decoded.Error)
		}
		return out
	}
	if decodeErr != nil {
		// A 2xx with an unreadable body is ambiguous; let the pipeline retry it.
		out.ErrorText = "unparseable provider response"
		out.Retryable = true
		return out
	}
	if !strings.EqualFold(decoded.Status, marker) {
		out.ErrorText = decoded.Error
		if out.ErrorText == "" {
			out.ErrorText = "status " + decoded.Status
		}
		return out
	}

	out.Success = true
	out.ProviderMessageID = decoded.MessageID
	return out
}
