package polymarket

import (
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/polymirror/copytrader/internal/domain"
)

// StatusError is a non-2xx HTTP response surfaced as a typed error so
// callers can branch on the status code instead of matching substrings.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// Unwrap maps well-known statuses onto domain sentinels, so both
// errors.Is(err, domain.ErrRateLimited) and errors.As(&StatusError{}) work.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	default:
		return nil
	}
}

// statusErr converts a resty response into a StatusError, truncating the
// body so rate-limit HTML pages do not flood the logs.
func statusErr(resp *resty.Response) *StatusError {
	body := resp.String()
	if len(body) > 256 {
		body = body[:256]
	}
	return &StatusError{Code: resp.StatusCode(), Body: body}
}
