package consumer

import "testing"

func TestResolvePrefersExplicitHeader(t *testing.T) {
	var resolver Resolver
	id := resolver.Resolve(Observation{
		Signals: []Signal{
			{Provenance: ProvenanceTraceAttr, Name: "peer.service", Value: "inferred-svc"},
			{Provenance: ProvenanceHeader, Name: "x-service-name", Value: "Billing-Svc"},
		},
	})
	if id.Key != "billing-svc" {
		t.Fatalf("expected billing-svc, got %q", id.Key)
	}
	if id.Tier != TierExplicit {
		t.Fatalf("expected explicit tier, got %s", id.Tier)
	}
}

func TestResolveNormalizesCaseAndWhitespace(t *testing.T) {
	var resolver Resolver
	variants := []string{"billing-svc", "  Billing-Svc ", "BILLING-SVC", "billing-svc\t"}
	for _, raw := range variants {
		id := resolver.Resolve(Observation{
			Signals: []Signal{{Provenance: ProvenanceHeader, Name: "x-service-name", Value: raw}},
		})
		if id.Key != "billing-svc" {
			t.Fatalf("variant %q resolved to %q", raw, id.Key)
		}
	}
}

func TestResolveCollapsesInternalWhitespace(t *testing.T) {
	var resolver Resolver
	id := resolver.Resolve(Observation{
		Signals: []Signal{{Provenance: ProvenanceHeader, Name: "x-service-name", Value: "my  backend   svc"}},
	})
	if id.Key != "my backend svc" {
		t.Fatalf("expected collapsed key, got %q", id.Key)
	}
}

func TestResolveWhitespaceOnlyValueFallsThrough(t *testing.T) {
	var resolver Resolver
	id := resolver.Resolve(Observation{
		Signals: []Signal{
			{Provenance: ProvenanceHeader, Name: "x-service-name", Value: "   "},
			{Provenance: ProvenanceTraceAttr, Name: "peer.service", Value: "checkout"},
		},
	})
	if id.Key != "checkout" || id.Tier != TierInferred {
		t.Fatalf("expected inferred checkout, got %q/%s", id.Key, id.Tier)
	}
}

func TestResolveMalformedHigherSignalStillWins(t *testing.T) {
	var resolver Resolver
	id := resolver.Resolve(Observation{
		Signals: []Signal{
			{Provenance: ProvenanceHeader, Name: "x-service-name", Value: "???not-a-name???"},
			{Provenance: ProvenanceTraceAttr, Name: "peer.service", Value: "clean-name"},
		},
	})
	if id.Key != "???not-a-name???" {
		t.Fatalf("malformed-but-present header must win, got %q", id.Key)
	}
}

func TestResolveEqualPriorityUsesPrimarySignal(t *testing.T) {
	resolver := Resolver{PrimarySignal: "x-caller-id"}
	id := resolver.Resolve(Observation{
		Signals: []Signal{
			{Provenance: ProvenanceHeader, Name: "x-service-name", Value: "svc-a"},
			{Provenance: ProvenanceHeader, Name: "x-caller-id", Value: "svc-b"},
		},
	})
	if id.Key != "svc-b" {
		t.Fatalf("expected primary signal winner svc-b, got %q", id.Key)
	}
}

func TestResolveEqualPriorityWithoutPrimaryUsesFirst(t *testing.T) {
	var resolver Resolver
	id := resolver.Resolve(Observation{
		Signals: []Signal{
			{Provenance: ProvenanceHeader, Name: "x-service-name", Value: "svc-a"},
			{Provenance: ProvenanceHeader, Name: "x-caller-id", Value: "svc-b"},
		},
	})
	if id.Key != "svc-a" {
		t.Fatalf("expected first candidate svc-a, got %q", id.Key)
	}
}

func TestResolveNoSignalsIsUnknown(t *testing.T) {
	var resolver Resolver
	id := resolver.Resolve(Observation{})
	if id.Key != UnknownKey || id.Tier != TierUnknown {
		t.Fatalf("expected unknown bucket, got %q/%s", id.Key, id.Tier)
	}
}

func TestResolveCustomPriorityOrder(t *testing.T) {
	resolver := Resolver{Priority: []Provenance{ProvenanceClientCert, ProvenanceHeader}}
	id := resolver.Resolve(Observation{
		Signals: []Signal{
			{Provenance: ProvenanceHeader, Name: "x-service-name", Value: "header-svc"},
			{Provenance: ProvenanceClientCert, Name: "spiffe-id", Value: "cert-svc"},
		},
	})
	if id.Key != "cert-svc" || id.Tier != TierInferred {
		t.Fatalf("custom priority ignored: got %q/%s", id.Key, id.Tier)
	}
}

func TestStatusClassBuckets(t *testing.T) {
	cases := map[int]string{
		100: "1xx", 200: "2xx", 204: "2xx", 301: "3xx",
		404: "4xx", 500: "5xx", 599: "5xx", 0: "unknown", 700: "unknown",
	}
	for code, want := range cases {
		if got := StatusClass(code); got != want {
			t.Fatalf("StatusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
