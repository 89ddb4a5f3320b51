package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"github.com/smallbiznis/smsgate/internal/observability/tracing"
)

const defaultPrefixMarker = "OK"

// HTTPPrefix posts a form and treats a body starting with the configured marker as success,
// e.g. "OK:<message-id>". Credentials are sent as form fields.
type HTTPPrefix struct {
	client *http.Client
}

func NewHTTPPrefix(client *http.Client) *HTTPPrefix {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPrefix{client: client}
}

func (a *HTTPPrefix) Kind() providerdomain.Kind { return providerdomain.KindHTTPPrefix }

func (a *HTTPPrefix) Send(ctx context.Context, cfg providerdomain.ProviderConfig, msg providerdomain.Message) (providerdomain.Response, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return providerdomain.Response{}, providerdomain.ErrInvalidEndpoint
	}

	form := url.Values{}
	for k, v := range cfg.Credentials {
		form.Set(k, v)
	}
	form.Set("to", msg.To)
	form.Set("from", msg.From)
	form.Set("text", msg.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return providerdomain.Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tracing.InjectHTTP(ctx, req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		return providerdomain.Response{}, err
	}
	defer resp.Body.Close()

	body := readBody(resp)
	return interpretPrefix(resp.StatusCode, body, cfg.SuccessMarker), nil
}

func interpretPrefix(status int, body, marker string) providerdomain.Response {
	if marker == "" {
		marker = defaultPrefixMarker
	}
	out := providerdomain.Response{StatusCode: status, Raw: body}

	if !statusSuccess(status) {
		out.ErrorText = fmt.Sprintf("http %d: %s", status, body)
		out.Retryable = retryableStatus(status)
		return out
	}
	if !strings.HasPrefix(body, marker) {
		out.ErrorText = body
		return out
	}

	out.Success = true
	id := strings.TrimSpace(strings.TrimPrefix(body, marker))
	out.ProviderMessageID = strings.TrimSpace(strings.TrimLeft(id, ":|= "))
	return out
}
