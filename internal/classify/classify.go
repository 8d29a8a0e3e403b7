// Package classify normalizes heterogeneous failure signals — HTTP status
// codes, transport errors, free-text API messages — into a closed taxonomy
// that drives retry behavior and error presentation across the watch pipeline.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Kind is the closed set of error categories.
type Kind string

const (
	KindNetwork      Kind = "network"
	KindNotFound     Kind = "not_found"
	KindAccessDenied Kind = "access_denied"
	KindInvalidLink  Kind = "invalid_link"
	KindServerError  Kind = "server_error"
	KindUnknown      Kind = "unknown"
)

// Error is the normalized representation of any pipeline failure. Components
// never propagate raw errors past their boundary; they classify first.
type Error struct {
	Kind               Kind
	Message            string
	Retryable          bool
	StatusCode         int // 0 when no status code was available
	RequiresAuth       bool
	RequiresCredits    bool
	RequiresMembership bool
	CreditShortfall    int64 // 0 when no shortfall could be extracted
	Offline            bool
}

func (e *Error) Error() string {
	return e.Message
}

// As returns err's *Error when it already carries one, classifying it otherwise.
func As(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return Classify(err, 0)
}

var networkIndicators = []string{
	"fetch",
	"network",
	"connection",
	"timeout",
	"offline",
	"econnrefused",
	"econnreset",
	"no such host",
	"broken pipe",
	"failed to fetch",
	"err_internet_disconnected",
	"err_network_changed",
}

// messageRule maps ordered substring patterns to a classification. Order
// matters: the first rule with a matching pattern wins.
type messageRule struct {
	patterns           []string
	kind               Kind
	retryable          bool
	requiresAuth       bool
	requiresCredits    bool
	requiresMembership bool
	message            string
}

var messageRules = []messageRule{
	{patterns: []string{"not found", "does not exist"}, kind: KindNotFound, message: "content not found"},
	{patterns: []string{"expired", "token not found"}, kind: KindNotFound, message: "this link has expired"},
	{patterns: []string{"invalid", "malformed", "empty identifier"}, kind: KindInvalidLink, message: "this link is not valid"},
	{patterns: []string{"unauthorized"}, kind: KindAccessDenied, requiresAuth: true, message: "sign in to watch this content"},
	{patterns: []string{"access denied", "forbidden"}, kind: KindAccessDenied, message: "you do not have access to this content"},
	{patterns: []string{"credit", "insufficient funds"}, kind: KindAccessDenied, requiresCredits: true, message: "not enough credits"},
	{patterns: []string{"membership", "premium", "subscription"}, kind: KindAccessDenied, requiresMembership: true, message: "membership required"},
	{patterns: []string{"server error", "internal error", "service unavailable"}, kind: KindServerError, retryable: true, message: "something went wrong on our side"},
}

// Classify maps any failure input to an Error. It is total: every input,
// however malformed, resolves to a value. statusCode 0 means no HTTP status
// was available.
//
// Priority order: network indicators in the stringified input, then the
// status-code table, then ordered message rules, then unknown (retryable).
func Classify(input any, statusCode int) *Error {
	msg := stringify(input)
	lower := strings.ToLower(msg)

	if isNetworkFailure(input, lower) {
		return &Error{
			Kind:       KindNetwork,
			Message:    "connection problem — check your network and try again",
			Retryable:  true,
			StatusCode: statusCode,
			Offline:    isOffline(input, lower),
		}
	}

	if statusCode != 0 {
		return classifyStatus(statusCode, msg, lower)
	}

	for _, rule := range messageRules {
		for _, p := range rule.patterns {
			if strings.Contains(lower, p) {
				return &Error{
					Kind:               rule.kind,
					Message:            rule.message,
					Retryable:          rule.retryable,
					RequiresAuth:       rule.requiresAuth,
					RequiresCredits:    rule.requiresCredits,
					RequiresMembership: rule.requiresMembership,
					CreditShortfall:    shortfallFor(rule, msg),
				}
			}
		}
	}

	return &Error{
		Kind:      KindUnknown,
		Message:   "something went wrong",
		Retryable: true,
	}
}

func classifyStatus(statusCode int, msg, lower string) *Error {
	e := &Error{StatusCode: statusCode}
	switch {
	case statusCode == 400:
		e.Kind = KindInvalidLink
		e.Message = "this link is not valid"
	case statusCode == 401:
		e.Kind = KindAccessDenied
		e.RequiresAuth = true
		e.Message = "sign in to watch this content"
	case statusCode == 403:
		e.Kind = KindAccessDenied
		e.Message = "you do not have access to this content"
		if strings.Contains(lower, "credit") {
			e.RequiresCredits = true
			e.Message = "not enough credits"
			if n, ok := ExtractCreditShortfall(msg); ok {
				e.CreditShortfall = n
			}
		} else if strings.Contains(lower, "membership") {
			e.RequiresMembership = true
			e.Message = "membership required"
		}
	case statusCode == 404:
		e.Kind = KindNotFound
		e.Message = "content not found"
	case statusCode == 410:
		e.Kind = KindNotFound
		e.Message = "this link has expired"
	case statusCode == 429:
		e.Kind = KindServerError
		e.Retryable = true
		e.Message = "too many requests — try again in a moment"
	case statusCode >= 500 && statusCode <= 599:
		e.Kind = KindServerError
		e.Retryable = true
		e.Message = "something went wrong on our side"
	default:
		e.Kind = KindUnknown
		e.Retryable = statusCode >= 500
		e.Message = "something went wrong"
	}
	return e
}

func shortfallFor(rule messageRule, msg string) int64 {
	if !rule.requiresCredits {
		return 0
	}
	n, ok := ExtractCreditShortfall(msg)
	if !ok {
		return 0
	}
	return n
}

var shortfallPattern = regexp.MustCompile(`(\d+)\s*(?:more\s+)?credits?\b`)

// ExtractCreditShortfall scans a human-readable message for a decimal number
// followed by the token "credit" (e.g. "You need 5 credits", "5 more credits").
// The text-scanning fallback survives until every backend reports shortfalls
// through the structured insufficient_credits payload.
func ExtractCreditShortfall(message string) (int64, bool) {
	m := shortfallPattern.FindStringSubmatch(strings.ToLower(message))
	if m == nil {
		return 0, false
	}
	var n int64
	for _, c := range m[1] {
		n = n*10 + int64(c-'0')
		if n > 1<<40 {
			return 0, false
		}
	}
	return n, true
}

func stringify(input any) string {
	switch v := input.(type) {
	case nil:
		return ""
	case string:
		return v
	case error:
		return v.Error()
	case map[string]string:
		if msg, ok := v["error"]; ok {
			return msg
		}
		return fmt.Sprint(v)
	case map[string]any:
		if msg, ok := v["error"].(string); ok {
			return msg
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}

func isNetworkFailure(input any, lower string) bool {
	if err, ok := input.(error); ok {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
	}
	for _, indicator := range networkIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// isOffline approximates the browser "am I offline" signal with transport
// evidence: dial and DNS failures mean the peer was never reached.
func isOffline(input any, lower string) bool {
	if err, ok := input.(error); ok {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return true
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return true
		}
	}
	return strings.Contains(lower, "offline") ||
		strings.Contains(lower, "err_internet_disconnected")
}
