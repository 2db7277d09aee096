package consumer

import (
	"sort"
	"time"
)

// Snapshot is an immutable point-in-time copy of the registry, produced for
// rendering and inspection. Overflow fields record retention truncation; the
// registry itself never populates them.
type Snapshot struct {
	Service             string           `json:"service"`
	TakenAt             time.Time        `json:"takenAt"`
	Records             []RecordSnapshot `json:"records"`
	OtherConsumers      int              `json:"otherConsumers,omitempty"`
	OtherCalls          uint64           `json:"otherCalls,omitempty"`
	DroppedObservations uint64           `json:"droppedObservations,omitempty"`
}

type RecordSnapshot struct {
	Identity           ConsumerIdentity   `json:"identity"`
	FirstSeen          time.Time          `json:"firstSeen"`
	LastSeen           time.Time          `json:"lastSeen"`
	TotalCalls         uint64             `json:"totalCalls"`
	Endpoints          []EndpointSnapshot `json:"endpoints"`
	TruncatedEndpoints int                `json:"truncatedEndpoints,omitempty"`
	TruncatedCalls     uint64             `json:"truncatedCalls,omitempty"`
}

type EndpointSnapshot struct {
	Method         string    `json:"method"`
	PathTemplate   string    `json:"pathTemplate"`
	Calls          uint64    `json:"calls"`
	LastSeen       time.Time `json:"lastSeen"`
	StatusClasses  []string  `json:"statusClasses,omitempty"`
	RequestFields  []string  `json:"requestFields,omitempty"`
	RequestHeaders []string  `json:"requestHeaders,omitempty"`
	QueryParams    []string  `json:"queryParams,omitempty"`
}

// RetentionPolicy bounds what a snapshot renders to, without ever mutating the
// live registry. Overflow is collapsed into explicit aggregate counts rather
// than silently discarded.
type RetentionPolicy struct {
	MaxConsumers            int
	MaxEndpointsPerConsumer int
}

func (p RetentionPolicy) maxConsumers() int {
	if p.MaxConsumers <= 0 {
		return 25
	}
	return p.MaxConsumers
}

func (p RetentionPolicy) maxEndpoints() int {
	if p.MaxEndpointsPerConsumer <= 0 {
		return 15
	}
	return p.MaxEndpointsPerConsumer
}

// Filter ranks consumers by last-seen (newest first), then total calls, then
// identity, keeps the top MaxConsumers and collapses the rest into the
// snapshot's "other consumers" aggregate. Endpoint lists are capped the same
// way, with the cut recorded on the record.
func (p RetentionPolicy) Filter(snap Snapshot) Snapshot {
	out := Snapshot{
		Service:             snap.Service,
		TakenAt:             snap.TakenAt,
		DroppedObservations: snap.DroppedObservations,
		OtherConsumers:      snap.OtherConsumers,
		OtherCalls:          snap.OtherCalls,
	}

	records := append([]RecordSnapshot(nil), snap.Records...)
	sort.Slice(records, func(i, j int) bool {
		left, right := records[i], records[j]
		if !left.LastSeen.Equal(right.LastSeen) {
			return left.LastSeen.After(right.LastSeen)
		}
		if left.TotalCalls != right.TotalCalls {
			return left.TotalCalls > right.TotalCalls
		}
		return left.Identity.Key < right.Identity.Key
	})

	keep := p.maxConsumers()
	if keep > len(records) {
		keep = len(records)
	}
	for _, rec := range records[keep:] {
		out.OtherConsumers++
		out.OtherCalls += rec.TotalCalls
	}

	out.Records = make([]RecordSnapshot, 0, keep)
	for _, rec := range records[:keep] {
		out.Records = append(out.Records, p.capEndpoints(rec))
	}
	return out
}

func (p RetentionPolicy) capEndpoints(rec RecordSnapshot) RecordSnapshot {
	endpoints := append([]EndpointSnapshot(nil), rec.Endpoints...)
	sort.Slice(endpoints, func(i, j int) bool {
		left, right := endpoints[i], endpoints[j]
		if left.Calls != right.Calls {
			return left.Calls > right.Calls
		}
		leftKey := left.Method + " " + left.PathTemplate
		rightKey := right.Method + " " + right.PathTemplate
		return leftKey < rightKey
	})

	keep := p.maxEndpoints()
	if keep > len(endpoints) {
		keep = len(endpoints)
	}
	for _, ep := range endpoints[keep:] {
		rec.TruncatedEndpoints++
		rec.TruncatedCalls += ep.Calls
	}
	rec.Endpoints = endpoints[:keep]
	return rec
}
