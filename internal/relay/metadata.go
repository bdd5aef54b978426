package relay

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultCategory is used when neither selectors nor the URL name a category.
const DefaultCategory = "template-kit"

// Metadata describes the asset on a page.
type Metadata struct {
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Category     string `json:"category"`
	SourceURL    string `json:"sourceUrl"`
}

var titleSelectors = []string{
	`h1`,
	`[data-testid="item-title"]`,
	`[class*="ItemTitle"]`,
	`[class*="item-title"]`,
	`[class*="itemTitle"]`,
	`main h1`,
	`[class*="Header"] h1`,
	`[class*="header"] h1`,
	`article h1`,
}

var titleSuffixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s*[-|]\s*Envato Elements.*$`),
	regexp.MustCompile(`(?i)\s*[-|]\s*Elements.*$`),
}

var thumbnailSelectors = []string{
	`meta[property="og:image"]`,
	`meta[name="twitter:image"]`,
	`[data-testid="item-preview"] img`,
	`[class*="Preview"] img`,
	`[class*="preview"] img`,
	`[class*="ItemCover"] img`,
	`[class*="item-cover"] img`,
	`[class*="Thumbnail"] img`,
	`main img[src*="elements"]`,
	`picture img`,
}

var categorySelectors = []string{
	`[data-testid="item-category"]`,
	`[class*="Category"]`,
	`[class*="category"]`,
	`nav [aria-current="page"]`,
	`a[href*="/wordpress/"]`,
}

// pathCategories maps URL path markers to category labels, in priority order.
var pathCategories = []struct {
	marker string
	label  string
}{
	{"template-kit", ""},
	{"wordpress", "WordPress"},
}

var titleCaser = cases.Title(language.English)

// ScrapeMetadata extracts the title, thumbnail and category of the asset on p.
func ScrapeMetadata(p *Page) Metadata {
	meta := Metadata{SourceURL: p.URL}
	meta.Title = firstText(p.Doc, titleSelectors)
	if meta.Title == "" {
		title := documentTitle(p)
		for _, re := range titleSuffixes {
			title = re.ReplaceAllString(title, "")
		}
		meta.Title = strings.TrimSpace(title)
	}
	meta.ThumbnailURL = findThumbnail(p.Doc)
	meta.Category = firstText(p.Doc, categorySelectors)
	if meta.Category == "" {
		meta.Category = categoryFromPath(p.URL)
	}
	return meta
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		var text string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text = collapseSpace(s.Text())
			return text == ""
		})
		if text != "" {
			return text
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func findThumbnail(doc *goquery.Document) string {
	for _, sel := range thumbnailSelectors {
		el := doc.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		for _, attr := range []string{"content", "src", "data-src"} {
			if v, ok := el.Attr(attr); ok && strings.HasPrefix(strings.TrimSpace(v), "http") {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func categoryFromPath(raw string) string {
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}
	path = strings.ToLower(path)
	for _, pc := range pathCategories {
		if !strings.Contains(path, pc.marker) {
			continue
		}
		if pc.label != "" {
			return pc.label
		}
		return titleCaser.String(strings.ReplaceAll(pc.marker, "-", " "))
	}
	return DefaultCategory
}
