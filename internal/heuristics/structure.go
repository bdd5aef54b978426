package heuristics

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// MaxSearchDepth bounds recursion into nested JSON structures.
const MaxSearchDepth = 6

// urlFields are checked on every object before its children are visited.
var urlFields = []string{
	"url", "download_url", "downloadUrl", "download",
	"file_url", "fileUrl", "href", "link",
	"signed_url", "signedUrl", "presigned_url", "presignedUrl",
	"location", "redirect", "redirectUrl", "redirect_url",
	"src", "path", "uri",
	"downloadLink", "download_link", "directUrl", "direct_url",
}

func fieldQualifies(s string) bool {
	return LooksLikeResponseURL(s) || strings.Contains(strings.ToLower(s), ".zip")
}

func leafQualifies(s string) bool {
	return strings.HasPrefix(s, "http") && LooksLikeResponseURL(s)
}

// FindURL searches a raw JSON document for the first download URL. Objects
// are visited in document key order. It returns "" when the body is not JSON
// or nothing qualifies.
func FindURL(raw []byte) string {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return ""
	}
	url, _ := findInResult(gjson.ParseBytes(raw), 0)
	return url
}

func findInResult(node gjson.Result, depth int) (string, bool) {
	if depth > MaxSearchDepth {
		return "", false
	}
	switch {
	case node.IsObject():
		for _, field := range urlFields {
			value := node.Get(field)
			if value.Type == gjson.String && fieldQualifies(value.String()) {
				return value.String(), true
			}
		}
		var found string
		node.ForEach(func(_, child gjson.Result) bool {
			if url, ok := visitChild(child, depth); ok {
				found = url
				return false
			}
			return true
		})
		return found, found != ""
	case node.IsArray():
		var found string
		node.ForEach(func(_, child gjson.Result) bool {
			if url, ok := visitChild(child, depth); ok {
				found = url
				return false
			}
			return true
		})
		return found, found != ""
	case node.Type == gjson.String:
		if leafQualifies(node.String()) {
			return node.String(), true
		}
	}
	return "", false
}

func visitChild(child gjson.Result, depth int) (string, bool) {
	if child.IsObject() || child.IsArray() {
		return findInResult(child, depth+1)
	}
	if child.Type == gjson.String && leafQualifies(child.String()) {
		return child.String(), true
	}
	return "", false
}

// FindURLInValue searches an already decoded value (maps, slices, strings).
// Map keys are visited in sorted order so results are deterministic; the
// depth bound guarantees termination on self-referential values.
func FindURLInValue(v any) string {
	url, _ := findInValue(v, 0)
	return url
}

func findInValue(v any, depth int) (string, bool) {
	if depth > MaxSearchDepth {
		return "", false
	}
	switch node := v.(type) {
	case map[string]any:
		for _, field := range urlFields {
			if s, ok := node[field].(string); ok && fieldQualifies(s) {
				return s, true
			}
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if url, ok := visitValue(node[k], depth); ok {
				return url, true
			}
		}
	case []any:
		for _, child := range node {
			if url, ok := visitValue(child, depth); ok {
				return url, true
			}
		}
	case string:
		if leafQualifies(node) {
			return node, true
		}
	}
	return "", false
}

func visitValue(child any, depth int) (string, bool) {
	switch c := child.(type) {
	case map[string]any, []any:
		return findInValue(c, depth+1)
	case string:
		if leafQualifies(c) {
			return c, true
		}
	}
	return "", false
}
