package heuristics

import (
	"regexp"
	"strings"
)

// DefaultMarketplaceHost is the host marker IsMarketplaceAPICall matches when
// no other marker is supplied.
const DefaultMarketplaceHost = "envato.com"

var downloadURLPatterns = compileAll(
	`\.zip(\?|$)`,
	`/download/`,
	`/api/.*download`,
	`s3.*\.amazonaws\.com.*\.zip`,
	`s3.*amazonaws\.com.*template`,
	`cloudfront\.net.*\.zip`,
	`elements-cover.*\.zip`,
	`content-disposition.*attachment`,
	`envato-elements.*download`,
	`/item/.*/download`,
	`graphql.*download`,
	`signed.*url.*\.zip`,
)

var responseURLPatterns = compileAll(
	`\.zip(\?|$)`,
	`s3.*amazonaws`,
	`cloudfront\.net`,
	`download.*token`,
)

var bundleURLPatterns = compileAll(
	`\.zip(\?|#|$)`,
	`/download/`,
	`s3.*amazonaws.*\.zip`,
	`cloudfront.*\.zip`,
)

var marketplaceAPIMarkers = []string{"/api/", "/graphql", "/download", "/items/"}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	if s == "" {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// LooksLikeDownloadURL reports whether a request URL on its own identifies a
// bundle download.
func LooksLikeDownloadURL(raw string) bool {
	return matchAny(downloadURLPatterns, strings.TrimSpace(raw))
}

// LooksLikeResponseURL is the looser check applied to strings found inside
// response bodies and headers.
func LooksLikeResponseURL(raw string) bool {
	return matchAny(responseURLPatterns, strings.TrimSpace(raw))
}

// IsLikelyBundleURL is the narrow check used for passively observed requests,
// where false positives would poison the capture cache.
func IsLikelyBundleURL(raw string) bool {
	return matchAny(bundleURLPatterns, strings.TrimSpace(raw))
}

// IsMarketplaceAPICall reports whether the URL targets the marketplace's own
// API surface. An empty host uses DefaultMarketplaceHost.
func IsMarketplaceAPICall(raw, host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		host = DefaultMarketplaceHost
	}
	lower := strings.ToLower(raw)
	if !strings.Contains(lower, host) {
		return false
	}
	for _, marker := range marketplaceAPIMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
