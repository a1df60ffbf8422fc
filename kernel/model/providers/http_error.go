package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/refrain2333/Refrain/kernel/model"
)

// StatusError is an upstream non-2xx reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d body=%s", e.StatusCode, e.Body)
}

func statusError(resp *http.Response) error {
	if resp == nil {
		return model.NewCodedError(model.ErrorCodeBackend, "providers: empty http response")
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return model.WrapCodedError(model.ErrorCodeBackend, &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
	}, "providers: upstream rejected request")
}

// backendError classifies transport failures. Cancellation passes through
// untouched so interactive interrupts are not reported as failures.
func backendError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || model.ErrorCodeOf(err) != "" {
		return err
	}
	return model.WrapCodedError(model.ErrorCodeBackend, err, format, args...)
}
