package heuristics

import (
	"strings"

	"github.com/tidwall/gjson"
)

var mutationVerbs = []string{
	"download",
	"acquireLicense",
	"addToDownloads",
	"generateDownloadUrl",
	"itemDownload",
	"getDownloadLink",
}

// LooksLikeDownloadMutation reports whether a request body is a GraphQL-style
// operation that asks the marketplace for a download. Bodies that are not JSON
// fall back to a substring test.
func LooksLikeDownloadMutation(body string) bool {
	body = strings.TrimSpace(body)
	if body == "" {
		return false
	}
	if !gjson.Valid(body) {
		return strings.Contains(strings.ToLower(body), "download")
	}
	parsed := gjson.Parse(body)
	if parsed.IsArray() {
		matched := false
		parsed.ForEach(func(_, op gjson.Result) bool {
			matched = operationMatches(op)
			return !matched
		})
		return matched
	}
	return operationMatches(parsed)
}

func operationMatches(op gjson.Result) bool {
	for _, field := range []string{"query", "operationName"} {
		value := op.Get(field)
		if value.Type != gjson.String {
			continue
		}
		if containsVerb(value.String()) {
			return true
		}
	}
	return false
}

func containsVerb(s string) bool {
	lower := strings.ToLower(s)
	for _, verb := range mutationVerbs {
		if strings.Contains(lower, strings.ToLower(verb)) {
			return true
		}
	}
	return false
}
