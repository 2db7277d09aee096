package consumer

import "strings"

// DefaultPriority is consulted when a Resolver is built without an explicit
// signal order: explicit beats inferred beats unknown.
var DefaultPriority = []Provenance{ProvenanceHeader, ProvenanceTraceAttr, ProvenanceClientCert, ProvenanceUserAgent}

// Resolver maps an Observation to a ConsumerIdentity. It is deterministic and
// holds no shared state; a zero Resolver uses the defaults.
type Resolver struct {
	// Priority is the ordered list of provenances to consult. The first
	// provenance with a non-empty-after-trim candidate wins outright; lower
	// priorities are never consulted once a higher one matched, even if the
	// matched value looks malformed.
	Priority []Provenance

	// PrimarySignal picks the winner when several signals share the winning
	// provenance (e.g. two identity headers on one request). When the named
	// signal is absent from the tie, the first candidate in signal order wins.
	PrimarySignal string
}

func (r Resolver) priority() []Provenance {
	if len(r.Priority) == 0 {
		return DefaultPriority
	}
	return r.Priority
}

// Resolve evaluates the observation's signals in the resolver's priority
// order. Whitespace-only values are treated as absent and resolution moves on
// to the next provenance.
func (r Resolver) Resolve(obs Observation) ConsumerIdentity {
	for _, prov := range r.priority() {
		value := r.pick(obs.Signals, prov)
		key := NormalizeKey(value)
		if key == "" {
			continue
		}
		return ConsumerIdentity{Key: key, Tier: tierFor(prov)}
	}
	return ConsumerIdentity{Key: UnknownKey, Tier: TierUnknown}
}

func (r Resolver) pick(signals []Signal, prov Provenance) string {
	primary := strings.ToLower(strings.TrimSpace(r.PrimarySignal))
	first := ""
	for _, sig := range signals {
		if sig.Provenance != prov || strings.TrimSpace(sig.Value) == "" {
			continue
		}
		if primary != "" && strings.ToLower(strings.TrimSpace(sig.Name)) == primary {
			return sig.Value
		}
		if first == "" {
			first = sig.Value
		}
	}
	return first
}

func tierFor(prov Provenance) Tier {
	switch prov {
	case ProvenanceHeader:
		return TierExplicit
	case ProvenanceTraceAttr, ProvenanceClientCert, ProvenanceUserAgent:
		return TierInferred
	default:
		return TierUnknown
	}
}
