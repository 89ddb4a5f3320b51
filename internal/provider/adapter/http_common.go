package adapter

import (
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 64 << 10

func readBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return strings.TrimSpace(string(b))
}

// retryableStatus treats throttling and server-side failures as transient.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

func statusSuccess(code int) bool {
	return code >= 200 && code < 300
}
