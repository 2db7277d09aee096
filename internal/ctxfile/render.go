// Package ctxfile renders consumer snapshots into the managed region of a
// persisted context file and keeps that region in sync without touching
// anything a human wrote around it.
package ctxfile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/contextfile/internal/consumer"
)

// The managed region is delimited by HTML comment markers so it survives
// markdown renderers untouched.
const (
	StartMarker = "<!-- contextfile:begin -->"
	EndMarker   = "<!-- contextfile:end -->"

	lastSyncPrefix = "Last sync: "
)

// RenderSection produces the full managed region, markers included. Output is
// deterministic for a given snapshot apart from the last-sync line: consumers
// are ordered by last-seen (newest first), then call count, then identity;
// endpoints by call count, then key.
func RenderSection(snap consumer.Snapshot, syncedAt time.Time) string {
	var b strings.Builder
	b.WriteString(StartMarker + "\n")
	if snap.Service != "" {
		fmt.Fprintf(&b, "## API Consumers (%s)\n\n", snap.Service)
	} else {
		b.WriteString("## API Consumers\n\n")
	}
	b.WriteString(lastSyncPrefix + syncedAt.UTC().Format(time.RFC3339) + "\n")

	records := orderRecords(snap.Records)
	if len(records) == 0 {
		b.WriteString("\nNo consumers observed yet.\n")
	}
	for _, rec := range records {
		fmt.Fprintf(&b, "\n### %s (%s)\n", rec.Identity.Key, rec.Identity.Tier)
		fmt.Fprintf(&b, "First seen %s, last seen %s, %d calls.\n",
			rec.FirstSeen.UTC().Format(time.RFC3339),
			rec.LastSeen.UTC().Format(time.RFC3339),
			rec.TotalCalls)
		for _, ep := range orderEndpoints(rec.Endpoints) {
			b.WriteString(renderEndpoint(ep))
		}
		if rec.TruncatedEndpoints > 0 {
			fmt.Fprintf(&b, "- +%d more endpoints (%d calls)\n", rec.TruncatedEndpoints, rec.TruncatedCalls)
		} else if rec.TruncatedCalls > 0 {
			fmt.Fprintf(&b, "- %d calls to untracked endpoints\n", rec.TruncatedCalls)
		}
	}
	if snap.OtherConsumers > 0 {
		fmt.Fprintf(&b, "\n%d other consumers (%d calls).\n", snap.OtherConsumers, snap.OtherCalls)
	}
	if snap.DroppedObservations > 0 {
		fmt.Fprintf(&b, "\n%d observations dropped at capacity.\n", snap.DroppedObservations)
	}
	b.WriteString(EndMarker)
	return b.String()
}

func renderEndpoint(ep consumer.EndpointSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- `%s %s`: %d calls", ep.Method, ep.PathTemplate, ep.Calls)
	if len(ep.StatusClasses) > 0 {
		fmt.Fprintf(&b, ", statuses %s", strings.Join(ep.StatusClasses, "/"))
	}
	b.WriteString("\n")
	if len(ep.RequestFields) > 0 {
		fmt.Fprintf(&b, "  - fields: %s\n", strings.Join(ep.RequestFields, ", "))
	}
	if len(ep.RequestHeaders) > 0 {
		fmt.Fprintf(&b, "  - headers: %s\n", strings.Join(ep.RequestHeaders, ", "))
	}
	if len(ep.QueryParams) > 0 {
		fmt.Fprintf(&b, "  - query params: %s\n", strings.Join(ep.QueryParams, ", "))
	}
	return b.String()
}

func orderRecords(records []consumer.RecordSnapshot) []consumer.RecordSnapshot {
	out := append([]consumer.RecordSnapshot(nil), records...)
	sort.Slice(out, func(i, j int) bool {
		left, right := out[i], out[j]
		if !left.LastSeen.Equal(right.LastSeen) {
			return left.LastSeen.After(right.LastSeen)
		}
		if left.TotalCalls != right.TotalCalls {
			return left.TotalCalls > right.TotalCalls
		}
		return left.Identity.Key < right.Identity.Key
	})
	return out
}

func orderEndpoints(endpoints []consumer.EndpointSnapshot) []consumer.EndpointSnapshot {
	out := append([]consumer.EndpointSnapshot(nil), endpoints...)
	sort.Slice(out, func(i, j int) bool {
		left, right := out[i], out[j]
		if left.Calls != right.Calls {
			return left.Calls > right.Calls
		}
		return left.Method+" "+left.PathTemplate < right.Method+" "+right.PathTemplate
	})
	return out
}

// stripLastSync removes the last-sync line so two renders of the same
// snapshot compare equal regardless of when they ran.
func stripLastSync(section string) string {
	lines := strings.Split(section, "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(line, lastSyncPrefix) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
