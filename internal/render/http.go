package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxBodyBytes = 2 << 20

// do sends req and returns the body of a 2xx response. Failures are
// classified: network errors, 408, 429 and 5xx are transient, every other
// non-2xx status is permanent.
func do(client *http.Client, req *http.Request, op string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, Transient(op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	err = fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	if retryableStatus(resp.StatusCode) {
		return nil, Transient(op, err)
	}
	return nil, Permanent(op, err)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// ctxErr classifies a request construction failure.
func ctxErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	return Permanent(op, err)
}
