package delivery

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"

	"hume-agent/internal/domain"
)

// ErrorCategory indicates whether an error is worth retrying.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryTransient               // 429, 5xx, timeouts, connection errors
	ErrorCategoryPermanent               // 4xx, validation, auth, cancelled
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classification is the result of ClassifyError.
type Classification struct {
	Category   ErrorCategory
	StatusCode int // extracted HTTP status, or 0
}

// apiErrorPattern matches "API error <status>:" produced by the HTTP adapters.
var apiErrorPattern = regexp.MustCompile(`API error (\d{3})`)

var transientSentinels = []error{
	domain.ErrCapabilityTransient,
	domain.ErrRateLimit,
	domain.ErrUpstream,
	domain.ErrTimeout,
}

var permanentSentinels = []error{
	domain.ErrCapabilityPermanent,
	domain.ErrCapabilityForbidden,
	domain.ErrAuthInvalid,
	domain.ErrInvalidInput,
	domain.ErrPermissionDenied,
	domain.ErrNotFound,
	context.Canceled,
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"try again",
}

// ClassifyError decides whether err is transient or permanent.
// Only transient errors are retried by Retrier.
func ClassifyError(err error) Classification {
	if err == nil {
		return Classification{}
	}
	for _, s := range permanentSentinels {
		if errors.Is(err, s) {
			return Classification{Category: ErrorCategoryPermanent, StatusCode: statusOf(err)}
		}
	}
	for _, s := range transientSentinels {
		if errors.Is(err, s) {
			return Classification{Category: ErrorCategoryTransient, StatusCode: statusOf(err)}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: ErrorCategoryTransient}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Category: ErrorCategoryTransient}
	}

	if code := statusOf(err); code != 0 {
		switch {
		case code == 429 || code == 408 || (code >= 500 && code < 600):
			return Classification{Category: ErrorCategoryTransient, StatusCode: code}
		default:
			return Classification{Category: ErrorCategoryPermanent, StatusCode: code}
		}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return Classification{Category: ErrorCategoryTransient}
		}
	}
	return Classification{Category: ErrorCategoryUnknown}
}

func statusOf(err error) int {
	if m := apiErrorPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}
