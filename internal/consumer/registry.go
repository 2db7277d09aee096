package consumer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type RegistryOptions struct {
	Service string
	// MaxIdentities caps how many distinct consumers the registry will track
	// in memory. Observations for new identities beyond the cap are dropped
	// and counted; existing identities keep accumulating.
	MaxIdentities int
	// MaxEndpointsPerIdentity caps the per-consumer endpoint map the same way.
	MaxEndpointsPerIdentity int
	// MaxShapeEntries caps each request-shape set (fields, headers, params)
	// per endpoint.
	MaxShapeEntries int
}

// Registry is the concurrent in-memory store of consumer records. Record is a
// pure in-memory update and never blocks the request path on I/O; snapshots
// are per-record consistent but not globally consistent across records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record

	service       string
	maxIdentities int
	maxEndpoints  int
	maxShape      int

	droppedTotal atomic.Uint64
}

type record struct {
	mu        sync.Mutex
	identity  ConsumerIdentity
	firstSeen time.Time
	lastSeen  time.Time
	total     uint64
	endpoints map[string]*endpointStats
	truncated uint64
}

type endpointStats struct {
	method       string
	pathTemplate string
	calls        uint64
	lastSeen     time.Time
	statuses     map[string]struct{}
	fields       map[string]struct{}
	headers      map[string]struct{}
	params       map[string]struct{}
}

func NewRegistry(opts RegistryOptions) *Registry {
	maxIdentities := opts.MaxIdentities
	if maxIdentities <= 0 {
		maxIdentities = 1000
	}
	maxEndpoints := opts.MaxEndpointsPerIdentity
	if maxEndpoints <= 0 {
		maxEndpoints = 200
	}
	maxShape := opts.MaxShapeEntries
	if maxShape <= 0 {
		maxShape = 64
	}
	return &Registry{
		records:       map[string]*record{},
		service:       opts.Service,
		maxIdentities: maxIdentities,
		maxEndpoints:  maxEndpoints,
		maxShape:      maxShape,
	}
}

func (r *Registry) Service() string {
	return r.service
}

// DroppedObservations reports how many observations were discarded entirely
// because the identity cap was reached. Calls to a tracked consumer whose
// endpoint detail was truncated still count toward its totals and surface as
// TruncatedCalls instead.
func (r *Registry) DroppedObservations() uint64 {
	return r.droppedTotal.Load()
}

// Record folds one observation into the consumer's record. Unknown identities
// accumulate under the synthetic unknown bucket. Concurrent calls for
// different identities do not contend; calls for the same identity serialize
// only on that record's mutex.
func (r *Registry) Record(identity ConsumerIdentity, obs Observation) {
	if identity.Key == "" {
		identity = ConsumerIdentity{Key: UnknownKey, Tier: TierUnknown}
	}
	rec := r.lookup(identity.Key)
	if rec == nil {
		rec = r.create(identity)
		if rec == nil {
			r.droppedTotal.Add(1)
			return
		}
	}
	rec.apply(identity, obs, r.maxEndpoints, r.maxShape)
}

func (r *Registry) lookup(key string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[key]
}

func (r *Registry) create(identity ConsumerIdentity) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[identity.Key]; ok {
		return rec
	}
	if len(r.records) >= r.maxIdentities {
		return nil
	}
	rec := &record{
		identity:  identity,
		endpoints: map[string]*endpointStats{},
	}
	r.records[identity.Key] = rec
	return rec
}

func (rec *record) apply(identity ConsumerIdentity, obs Observation, maxEndpoints, maxShape int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	// An explicit signal upgrades a consumer first seen through an inferred one.
	if identity.Tier == TierExplicit && rec.identity.Tier == TierInferred {
		rec.identity.Tier = TierExplicit
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}
	if rec.firstSeen.IsZero() {
		rec.firstSeen = obs.Timestamp
	}
	if obs.Timestamp.After(rec.lastSeen) {
		rec.lastSeen = obs.Timestamp
	}
	rec.total++

	key := obs.Endpoint.Key()
	ep, ok := rec.endpoints[key]
	if !ok {
		// The call still counts toward the consumer's totals above; only its
		// endpoint detail is truncated.
		if len(rec.endpoints) >= maxEndpoints {
			rec.truncated++
			return
		}
		ep = &endpointStats{
			method:       obs.Endpoint.Method,
			pathTemplate: obs.Endpoint.PathTemplate,
			statuses:     map[string]struct{}{},
			fields:       map[string]struct{}{},
			headers:      map[string]struct{}{},
			params:       map[string]struct{}{},
		}
		rec.endpoints[key] = ep
	}
	ep.calls++
	if obs.Timestamp.After(ep.lastSeen) {
		ep.lastSeen = obs.Timestamp
	}
	if obs.StatusClass != "" {
		ep.statuses[obs.StatusClass] = struct{}{}
	}
	addCapped(ep.fields, obs.RequestFields, maxShape)
	addCapped(ep.headers, obs.RequestHeaders, maxShape)
	addCapped(ep.params, obs.QueryParams, maxShape)
}

func addCapped(set map[string]struct{}, values []string, max int) {
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		if len(set) >= max {
			return
		}
		set[v] = struct{}{}
	}
}

// Snapshot copies every record under its own lock. A record is never observed
// half-updated, but two records may reflect slightly different instants.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := Snapshot{
		Service:             r.service,
		TakenAt:             time.Now().UTC(),
		Records:             make([]RecordSnapshot, 0, len(recs)),
		DroppedObservations: r.droppedTotal.Load(),
	}
	for _, rec := range recs {
		out.Records = append(out.Records, rec.snapshot())
	}
	sort.Slice(out.Records, func(i, j int) bool {
		return out.Records[i].Identity.Key < out.Records[j].Identity.Key
	})
	return out
}

func (rec *record) snapshot() RecordSnapshot {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	snap := RecordSnapshot{
		Identity:       rec.identity,
		FirstSeen:      rec.firstSeen,
		LastSeen:       rec.lastSeen,
		TotalCalls:     rec.total,
		Endpoints:      make([]EndpointSnapshot, 0, len(rec.endpoints)),
		TruncatedCalls: rec.truncated,
	}
	for _, ep := range rec.endpoints {
		snap.Endpoints = append(snap.Endpoints, EndpointSnapshot{
			Method:         ep.method,
			PathTemplate:   ep.pathTemplate,
			Calls:          ep.calls,
			LastSeen:       ep.lastSeen,
			StatusClasses:  sortedKeys(ep.statuses),
			RequestFields:  sortedKeys(ep.fields),
			RequestHeaders: sortedKeys(ep.headers),
			QueryParams:    sortedKeys(ep.params),
		})
	}
	sort.Slice(snap.Endpoints, func(i, j int) bool {
		left, right := snap.Endpoints[i], snap.Endpoints[j]
		return left.Method+" "+left.PathTemplate < right.Method+" "+right.PathTemplate
	})
	return snap
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
