package providers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/OnslaughtSnail/virga/kernel/execenv"
)

// ProviderError carries the HTTP status and a body excerpt from a failed
// provider call.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("model: %s http status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("model: %s http status %d body=%s", e.Provider, e.Status, e.Body)
}

func (e *ProviderError) Code() execenv.ErrorCode {
	return execenv.ErrorCodeProvider
}

func statusError(provider string, resp *http.Response) error {
	if resp == nil {
		return &ProviderError{Provider: provider}
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &ProviderError{
		Provider: provider,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(raw)),
	}
}
