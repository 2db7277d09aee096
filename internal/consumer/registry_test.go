package consumer

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func testObservation(ts time.Time, method, path, status string) Observation {
	return Observation{
		Timestamp:   ts,
		Endpoint:    Endpoint{Method: method, PathTemplate: path},
		StatusClass: status,
	}
}

func findRecord(t *testing.T, snap Snapshot, key string) RecordSnapshot {
	t.Helper()
	for _, rec := range snap.Records {
		if rec.Identity.Key == key {
			return rec
		}
	}
	t.Fatalf("record %q not found in snapshot", key)
	return RecordSnapshot{}
}

func TestRecordAccumulatesCountsPerEndpoint(t *testing.T) {
	registry := NewRegistry(RegistryOptions{Service: "orders-api"})
	identity := ConsumerIdentity{Key: "billing-svc", Tier: TierExplicit}
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		registry.Record(identity, testObservation(now.Add(time.Duration(i)*time.Second), "GET", "/orders/{id}", "2xx"))
	}
	registry.Record(identity, testObservation(now, "POST", "/orders", "4xx"))

	rec := findRecord(t, registry.Snapshot(), "billing-svc")
	if rec.TotalCalls != 4 {
		t.Fatalf("expected 4 total calls, got %d", rec.TotalCalls)
	}
	if len(rec.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(rec.Endpoints))
	}
	for _, ep := range rec.Endpoints {
		if ep.Method == "GET" && ep.Calls != 3 {
			t.Fatalf("expected 3 GET calls, got %d", ep.Calls)
		}
	}
}

func TestFirstSeenSetOnceLastSeenMonotonic(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	identity := ConsumerIdentity{Key: "billing-svc", Tier: TierExplicit}
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Arrival order 5, 3, 9, 1: last-seen must end at 9, first-seen stays at 5.
	for _, offset := range []int{5, 3, 9, 1} {
		registry.Record(identity, testObservation(base.Add(time.Duration(offset)*time.Second), "GET", "/x", "2xx"))
	}

	rec := findRecord(t, registry.Snapshot(), "billing-svc")
	if !rec.FirstSeen.Equal(base.Add(5 * time.Second)) {
		t.Fatalf("first-seen moved: %s", rec.FirstSeen)
	}
	if !rec.LastSeen.Equal(base.Add(9 * time.Second)) {
		t.Fatalf("last-seen not monotonic max: %s", rec.LastSeen)
	}
	if rec.LastSeen.Before(rec.FirstSeen) {
		t.Fatalf("last-seen %s before first-seen %s", rec.LastSeen, rec.FirstSeen)
	}
}

func TestConcurrentRecordLosesNoUpdates(t *testing.T) {
	registry := NewRegistry(RegistryOptions{MaxIdentities: 64})
	const workers = 8
	const callsPerWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			identity := ConsumerIdentity{Key: fmt.Sprintf("svc-%d", w%4), Tier: TierExplicit}
			for i := 0; i < callsPerWorker; i++ {
				registry.Record(identity, testObservation(time.Now().UTC(), "GET", "/orders/{id}", "2xx"))
			}
		}(w)
	}
	wg.Wait()

	snap := registry.Snapshot()
	var total uint64
	for _, rec := range snap.Records {
		total += rec.TotalCalls
		// Two workers share each identity.
		if rec.TotalCalls != 2*callsPerWorker {
			t.Fatalf("identity %s: expected %d calls, got %d", rec.Identity.Key, 2*callsPerWorker, rec.TotalCalls)
		}
	}
	if total != workers*callsPerWorker {
		t.Fatalf("lost updates: total %d, want %d", total, workers*callsPerWorker)
	}
	if dropped := registry.DroppedObservations(); dropped != 0 {
		t.Fatalf("unexpected drops: %d", dropped)
	}
}

func TestRecordDropsBeyondIdentityCap(t *testing.T) {
	registry := NewRegistry(RegistryOptions{MaxIdentities: 2})
	now := time.Now().UTC()
	registry.Record(ConsumerIdentity{Key: "a", Tier: TierExplicit}, testObservation(now, "GET", "/x", "2xx"))
	registry.Record(ConsumerIdentity{Key: "b", Tier: TierExplicit}, testObservation(now, "GET", "/x", "2xx"))
	registry.Record(ConsumerIdentity{Key: "c", Tier: TierExplicit}, testObservation(now, "GET", "/x", "2xx"))

	snap := registry.Snapshot()
	if len(snap.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(snap.Records))
	}
	if registry.DroppedObservations() != 1 {
		t.Fatalf("expected 1 dropped observation, got %d", registry.DroppedObservations())
	}
	// Existing identities keep accumulating at the cap.
	registry.Record(ConsumerIdentity{Key: "a", Tier: TierExplicit}, testObservation(now, "GET", "/x", "2xx"))
	if rec := findRecord(t, registry.Snapshot(), "a"); rec.TotalCalls != 2 {
		t.Fatalf("existing identity stopped accumulating: %d", rec.TotalCalls)
	}
}

func TestUnknownObservationsShareTheUnknownBucket(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	now := time.Now().UTC()
	registry.Record(ConsumerIdentity{}, testObservation(now, "GET", "/x", "2xx"))
	registry.Record(ConsumerIdentity{Key: UnknownKey, Tier: TierUnknown}, testObservation(now, "GET", "/x", "5xx"))

	snap := registry.Snapshot()
	if len(snap.Records) != 1 {
		t.Fatalf("expected a single unknown bucket, got %d records", len(snap.Records))
	}
	rec := snap.Records[0]
	if rec.Identity.Key != UnknownKey || rec.TotalCalls != 2 {
		t.Fatalf("unexpected unknown record: %+v", rec)
	}
}

func TestExplicitObservationUpgradesInferredTier(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	now := time.Now().UTC()
	registry.Record(ConsumerIdentity{Key: "billing-svc", Tier: TierInferred}, testObservation(now, "GET", "/x", "2xx"))
	registry.Record(ConsumerIdentity{Key: "billing-svc", Tier: TierExplicit}, testObservation(now, "GET", "/x", "2xx"))

	rec := findRecord(t, registry.Snapshot(), "billing-svc")
	if rec.Identity.Tier != TierExplicit {
		t.Fatalf("expected tier upgrade to explicit, got %s", rec.Identity.Tier)
	}
}

func TestSnapshotCapturesRequestShape(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	obs := Observation{
		Timestamp:      time.Now().UTC(),
		Endpoint:       Endpoint{Method: "POST", PathTemplate: "/orders"},
		StatusClass:    "2xx",
		RequestFields:  []string{"cart_id", "user_id"},
		RequestHeaders: []string{"x-correlation-id"},
		QueryParams:    []string{"dry_run"},
	}
	registry.Record(ConsumerIdentity{Key: "checkout", Tier: TierExplicit}, obs)

	rec := findRecord(t, registry.Snapshot(), "checkout")
	ep := rec.Endpoints[0]
	if len(ep.RequestFields) != 2 || ep.RequestFields[0] != "cart_id" {
		t.Fatalf("unexpected request fields: %v", ep.RequestFields)
	}
	if len(ep.RequestHeaders) != 1 || len(ep.QueryParams) != 1 {
		t.Fatalf("unexpected shape: headers=%v params=%v", ep.RequestHeaders, ep.QueryParams)
	}
}

func TestEndpointCapCountsTruncation(t *testing.T) {
	registry := NewRegistry(RegistryOptions{MaxEndpointsPerIdentity: 2})
	identity := ConsumerIdentity{Key: "crawler", Tier: TierExplicit}
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		registry.Record(identity, testObservation(now, "GET", fmt.Sprintf("/p%d", i), "2xx"))
	}
	rec := findRecord(t, registry.Snapshot(), "crawler")
	if len(rec.Endpoints) != 2 {
		t.Fatalf("expected endpoint cap of 2, got %d", len(rec.Endpoints))
	}
	// Calls past the endpoint cap still count toward the consumer, once.
	if rec.TotalCalls != 4 {
		t.Fatalf("expected 4 total calls, got %d", rec.TotalCalls)
	}
	if rec.TruncatedCalls != 2 {
		t.Fatalf("expected 2 truncated calls, got %d", rec.TruncatedCalls)
	}
	if registry.DroppedObservations() != 0 {
		t.Fatalf("expected no dropped observations, got %d", registry.DroppedObservations())
	}
}
