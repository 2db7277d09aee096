package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// persistedState is the registry's durable form. It survives process restarts
// via a StateBackend; it is never written on the request path.
type persistedState struct {
	Service      string                     `json:"service"`
	SavedAt      time.Time                  `json:"savedAt"`
	DroppedTotal uint64                     `json:"droppedTotal"`
	Records      map[string]persistedRecord `json:"records"`
}

type persistedRecord struct {
	Tier       Tier                         `json:"tier"`
	FirstSeen  time.Time                    `json:"firstSeen"`
	LastSeen   time.Time                    `json:"lastSeen"`
	TotalCalls uint64                       `json:"totalCalls"`
	Endpoints  map[string]persistedEndpoint `json:"endpoints"`
	Truncated  uint64                       `json:"truncated,omitempty"`
}

type persistedEndpoint struct {
	Method         string    `json:"method"`
	PathTemplate   string    `json:"pathTemplate"`
	Calls          uint64    `json:"calls"`
	LastSeen       time.Time `json:"lastSeen"`
	StatusClasses  []string  `json:"statusClasses,omitempty"`
	RequestFields  []string  `json:"requestFields,omitempty"`
	RequestHeaders []string  `json:"requestHeaders,omitempty"`
	QueryParams    []string  `json:"queryParams,omitempty"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

// CloseBackend closes a backend if its implementation holds resources.
func CloseBackend(b StateBackend) error {
	if closer, ok := b.(stateBackendCloser); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

// ExportState converts the registry's live records into the persisted form.
func (r *Registry) ExportState() *persistedState {
	snap := r.Snapshot()
	state := &persistedState{
		Service:      snap.Service,
		SavedAt:      snap.TakenAt,
		DroppedTotal: snap.DroppedObservations,
		Records:      make(map[string]persistedRecord, len(snap.Records)),
	}
	for _, rec := range snap.Records {
		endpoints := make(map[string]persistedEndpoint, len(rec.Endpoints))
		for _, ep := range rec.Endpoints {
			endpoints[ep.Method+" "+ep.PathTemplate] = persistedEndpoint{
				Method:         ep.Method,
				PathTemplate:   ep.PathTemplate,
				Calls:          ep.Calls,
				LastSeen:       ep.LastSeen,
				StatusClasses:  ep.StatusClasses,
				RequestFields:  ep.RequestFields,
				RequestHeaders: ep.RequestHeaders,
				QueryParams:    ep.QueryParams,
			}
		}
		state.Records[rec.Identity.Key] = persistedRecord{
			Tier:       rec.Identity.Tier,
			FirstSeen:  rec.FirstSeen,
			LastSeen:   rec.LastSeen,
			TotalCalls: rec.TotalCalls,
			Endpoints:  endpoints,
		}
	}
	return state
}

// ImportState seeds the registry from a previously persisted state. Intended
// for startup before any traffic; existing in-memory records for the same key
// keep their counters and only widen timestamps.
func (r *Registry) ImportState(state *persistedState) {
	if state == nil {
		return
	}
	for key, prec := range state.Records {
		rec := r.lookup(key)
		if rec == nil {
			rec = r.create(ConsumerIdentity{Key: key, Tier: prec.Tier})
			if rec == nil {
				continue
			}
		}
		rec.restore(prec, r.maxEndpoints)
	}
}

func (rec *record) restore(prec persistedRecord, maxEndpoints int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.firstSeen.IsZero() || (!prec.FirstSeen.IsZero() && prec.FirstSeen.Before(rec.firstSeen)) {
		rec.firstSeen = prec.FirstSeen
	}
	if prec.LastSeen.After(rec.lastSeen) {
		rec.lastSeen = prec.LastSeen
	}
	rec.total += prec.TotalCalls
	for key, pep := range prec.Endpoints {
		ep, ok := rec.endpoints[key]
		if !ok {
			if len(rec.endpoints) >= maxEndpoints {
				rec.truncated++
				continue
			}
			ep = &endpointStats{
				method:       pep.Method,
				pathTemplate: pep.PathTemplate,
				statuses:     map[string]struct{}{},
				fields:       map[string]struct{}{},
				headers:      map[string]struct{}{},
				params:       map[string]struct{}{},
			}
			rec.endpoints[key] = ep
		}
		ep.calls += pep.Calls
		if pep.LastSeen.After(ep.lastSeen) {
			ep.lastSeen = pep.LastSeen
		}
		for _, s := range pep.StatusClasses {
			ep.statuses[s] = struct{}{}
		}
		for _, f := range pep.RequestFields {
			ep.fields[f] = struct{}{}
		}
		for _, h := range pep.RequestHeaders {
			ep.headers[h] = struct{}{}
		}
		for _, q := range pep.QueryParams {
			ep.params[q] = struct{}{}
		}
	}
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	// Randomized temp name so concurrent sync cycles never share a temp file.
	tmpFile, err := os.CreateTemp(filepath.Dir(b.Path), "."+filepath.Base(b.Path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, b.Path); err != nil {
		return err
	}
	committed = true
	return nil
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneState(state *persistedState) (*persistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

type StateBackendFactory func(dsn string) (StateBackend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{
	factories: map[string]StateBackendFactory{},
}

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty file path in dsn %q", ErrInvalidInput, raw)
	}
	return path, nil
}
