// Package capture turns raw HTTP traffic into consumer observations. It
// carries the extraction rules shared by the middleware, the span processor
// and the TLS peer resolver.
package capture

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxBodyDepth bounds how deep nested JSON objects are walked when
// collecting request field names.
const DefaultMaxBodyDepth = 3

// skipHeaders lists standard HTTP headers that carry no consumer signal.
var skipHeaders = map[string]struct{}{
	"host": {}, "content-type": {}, "content-length": {}, "transfer-encoding": {},
	"accept": {}, "accept-encoding": {}, "accept-language": {}, "accept-charset": {},
	"connection": {}, "keep-alive": {}, "upgrade-insecure-requests": {},
	"authorization": {}, "cookie": {}, "set-cookie": {},
	"cache-control": {}, "pragma": {}, "expires": {},
	"origin": {}, "referer": {}, "user-agent": {},
	"sec-fetch-site": {}, "sec-fetch-mode": {}, "sec-fetch-dest": {}, "sec-fetch-user": {},
	"sec-ch-ua": {}, "sec-ch-ua-mobile": {}, "sec-ch-ua-platform": {},
}

// Fallback normalization, applied only when no router template is available.
var pathPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`), "/{uuid}"},
	{regexp.MustCompile(`/\d+`), "/{id}"},
}

// ExtractFields walks a decoded JSON object and returns its field names in
// dot notation, with "[]" marking traversal through arrays of objects.
// Recursion stops at maxDepth levels.
func ExtractFields(data map[string]any, maxDepth int) []string {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxBodyDepth
	}
	set := map[string]struct{}{}
	collectFields(data, maxDepth, 1, "", set)
	return sortedSet(set)
}

func collectFields(data map[string]any, maxDepth, depth int, prefix string, set map[string]struct{}) {
	for key, value := range data {
		name := prefix + key
		set[name] = struct{}{}
		if depth >= maxDepth {
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			collectFields(v, maxDepth, depth+1, name+".", set)
		case []any:
			for _, item := range v {
				if obj, ok := item.(map[string]any); ok {
					collectFields(obj, maxDepth, depth+1, name+"[].", set)
				}
			}
		}
	}
}

// FieldsFromBody parses a JSON request body and returns the observed field
// names. Non-JSON content types, empty bodies and malformed payloads all
// yield nil rather than an error; shape capture must never fail a request.
func FieldsFromBody(body []byte, contentType string, maxDepth int) []string {
	if len(body) == 0 || !strings.Contains(contentType, "application/json") {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil
	}
	return ExtractFields(data, maxDepth)
}

// CustomHeaders returns the lowercased header names that are not on the
// standard skip list.
func CustomHeaders(names []string) []string {
	set := map[string]struct{}{}
	for _, name := range names {
		lowered := strings.ToLower(strings.TrimSpace(name))
		if lowered == "" {
			continue
		}
		if _, skip := skipHeaders[lowered]; skip {
			continue
		}
		set[lowered] = struct{}{}
	}
	return sortedSet(set)
}

// QueryParams returns the parameter names present in a raw query string.
// Values are discarded; only the key shape matters.
func QueryParams(rawQuery string) []string {
	if rawQuery == "" {
		return nil
	}
	set := map[string]struct{}{}
	for _, part := range strings.Split(rawQuery, "&") {
		key, _, _ := strings.Cut(part, "=")
		if key != "" {
			set[key] = struct{}{}
		}
	}
	return sortedSet(set)
}

// NormalizePath collapses UUID and numeric path segments into placeholders.
// Used only when the router did not supply a route template.
func NormalizePath(path string) string {
	for _, p := range pathPatterns {
		path = p.pattern.ReplaceAllString(path, p.replacement)
	}
	return path
}

// BuildRouteTemplate reconstructs a route template from a concrete path and
// its matched path parameters.
func BuildRouteTemplate(path string, pathParams map[string]string) string {
	template := path
	for name, value := range pathParams {
		if value == "" {
			continue
		}
		template = strings.ReplaceAll(template, value, "{"+name+"}")
	}
	return template
}

func sortedSet(set map[string]struct{}) []string {
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
