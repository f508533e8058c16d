package record

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Filter is a conjunction of equality constraints over a record's JSON
// document. Keys are dot paths ("fields.meta.type"); values must be JSON
// scalars. An empty filter matches everything.
type Filter map[string]any

// ParseFilter parses a JSON object into a Filter, rejecting anything
// that is not a flat mapping of dot paths to scalars.
func ParseFilter(b []byte) (Filter, error) {
	if len(b) == 0 {
		return Filter{}, nil
	}
	var f Filter
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, &ValidationError{Field: "filter", Reason: "not a JSON object"}
	}
	for k, v := range f {
		if k == "" {
			return nil, &ValidationError{Field: "filter", Reason: "empty key"}
		}
		switch v.(type) {
		case string, float64, bool, nil:
		default:
			return nil, &ValidationError{
				Field:  "filter",
				Reason: fmt.Sprintf("value for %q is not a scalar", k),
			}
		}
	}
	return f, nil
}

// ParseFilterBase64 decodes a base64url-encoded filter query, as carried
// in subscription URLs.
func ParseFilterBase64(s string) (Filter, error) {
	if s == "" {
		return Filter{}, nil
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		// Tolerate standard encoding too; some clients do not use the
		// URL-safe alphabet.
		b, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &ValidationError{Field: "filter", Reason: "invalid base64"}
		}
	}
	return ParseFilter(b)
}

// Encode serializes the filter as base64url JSON for use in a URL path
// or query parameter.
func (f Filter) Encode() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Matches reports whether every constraint in the filter holds for the
// given document (a generic JSON map, see Record.Doc).
func (f Filter) Matches(doc map[string]any) bool {
	for path, want := range f {
		got, ok := lookupPath(doc, path)
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

// MatchesRecord is a convenience wrapper over Matches for callers that
// hold a Record rather than its document form.
func (f Filter) MatchesRecord(rec *Record) bool {
	if len(f) == 0 {
		return true
	}
	doc, err := rec.Doc()
	if err != nil {
		return false
	}
	return f.Matches(doc)
}

func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func scalarEqual(got, want any) bool {
	// JSON numbers decode as float64 on both sides, so direct comparison
	// covers strings, numbers, bools, and null.
	return got == want
}
