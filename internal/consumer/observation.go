package consumer

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Provenance tags where a candidate identity value came from.
type Provenance string

const (
	ProvenanceHeader     Provenance = "explicit-header"
	ProvenanceTraceAttr  Provenance = "trace-attribute"
	ProvenanceClientCert Provenance = "inferred-from-client-cert"
	ProvenanceUserAgent  Provenance = "inferred-from-user-agent"
	ProvenanceNone       Provenance = "none"
)

type Tier string

const (
	TierExplicit Tier = "explicit"
	TierInferred Tier = "inferred"
	TierUnknown  Tier = "unknown"
)

// UnknownKey is the synthetic bucket for observations with no usable identity
// signal. It is never merged into a named consumer.
const UnknownKey = "unknown"

// Signal is one candidate identity value with its provenance and the name of
// the carrier it was read from (header name, span attribute key, cert field).
type Signal struct {
	Provenance Provenance
	Name       string
	Value      string
}

// Endpoint is a method plus a normalized path template, e.g. GET /orders/{id}.
type Endpoint struct {
	Method       string
	PathTemplate string
}

func (e Endpoint) Key() string {
	return e.Method + " " + e.PathTemplate
}

// Observation carries one completed request's identity signals and request
// shape. Adapters build it, the registry consumes it, nothing retains it.
type Observation struct {
	Timestamp      time.Time
	Signals        []Signal
	Endpoint       Endpoint
	StatusClass    string
	RequestFields  []string
	RequestHeaders []string
	QueryParams    []string
}

// ConsumerIdentity is the normalized key for an upstream caller.
type ConsumerIdentity struct {
	Key  string `json:"key"`
	Tier Tier   `json:"tier"`
}

func (id ConsumerIdentity) IsUnknown() bool {
	return id.Tier == TierUnknown
}

// StatusClass buckets a numeric HTTP status code ("2xx", "4xx", ...).
// Codes outside 100-599 report as "unknown".
func StatusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

// NormalizeKey folds case, trims, and collapses internal whitespace so that
// raw values differing only in case or spacing map to the same consumer.
func NormalizeKey(raw string) string {
	fields := strings.Fields(strings.ToLower(raw))
	return strings.Join(fields, " ")
}
