package relay

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ControlClass marks the injected import control.
const ControlClass = "bb-send-to-site"

const controlMarkup = `<button type="button" class="` + ControlClass + `"><span class="bb-btn-text">` + labelIdle + `</span></button>`

// Page is a parsed marketplace document.
type Page struct {
	URL string
	Doc *goquery.Document
}

// ParsePage reads an HTML document served at pageURL.
func ParsePage(r io.Reader, pageURL string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", pageURL, err)
	}
	return &Page{URL: pageURL, Doc: doc}, nil
}

// HasControl reports whether the import control is already present.
func (p *Page) HasControl() bool {
	return p != nil && p.Doc.Find("."+ControlClass).Length() > 0
}

// Detection explains why a page is, or is not, importable.
type Detection struct {
	Importable     bool
	ItemURL        bool
	KitIndicator   bool
	ItemDetails    bool
	DownloadButton bool
}

var itemPagePatterns = compile(
	`elements\.envato\.com/[a-z0-9].*-[A-Z0-9]{5,}$`,
	`app\.envato\.com/wordpress/[0-9a-f]{8}-`,
	`app\.envato\.com/[^/]+/[0-9a-f]{8}-[0-9a-f]{4}-`,
	`app\.envato\.com/.*/items?/`,
	`app\.envato\.com/elements/.*-[A-Z0-9]{5,}`,
	`/template-kits/[^/]+`,
)

var kitTitlePatterns = compile(`template.?kit`, `elementor`, `woocommerce`, `wordpress`)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

var kitIndicatorSelectors = []string{
	`[class*="template-kit"]`,
	`[class*="TemplateKit"]`,
	`[data-item-type="wordpress"]`,
	`a[href*="template-kit"]`,
}

var itemDetailSelectors = []string{
	`[class*="Detail"]`,
	`[class*="detail"]`,
	`[data-testid*="item-detail"]`,
	`[class*="Sidebar"]`,
	`[class*="sidebar"]`,
	`[class*="License"]`,
	`[class*="license"]`,
	`[class*="Price"]`,
	`[class*="price"]`,
	`[class*="Compatible"]`,
	`[class*="compatible"]`,
}

// Detect applies the page-shape heuristic: an item-page URL, or a download
// control on a page that looks like an item detail or kit page.
func Detect(p *Page) Detection {
	var d Detection
	if p == nil || p.Doc == nil {
		return d
	}
	d.ItemURL = matchAny(itemPagePatterns, p.URL)
	d.DownloadButton = FindDownloadControl(p) != nil
	d.KitIndicator = anyMatch(p.Doc, kitIndicatorSelectors) || matchAny(kitTitlePatterns, documentTitle(p))
	d.ItemDetails = p.Doc.Find("h1").Length() > 0 && anyMatch(p.Doc, itemDetailSelectors)
	d.Importable = d.ItemURL || (d.DownloadButton && (d.KitIndicator || d.ItemDetails))
	return d
}

func anyMatch(doc *goquery.Document, selectors []string) bool {
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

func documentTitle(p *Page) string {
	return strings.TrimSpace(p.Doc.Find("title").First().Text())
}

var downloadSelectors = []string{
	`button[class*="download"]`,
	`button[class*="Download"]`,
	`[data-testid*="download"]`,
	`a[download]`,
	`[class*="DownloadButton"]`,
	`[class*="download-button"]`,
	`button[aria-label*="download"]`,
	`button[aria-label*="Download"]`,
	`a[aria-label*="download"]`,
	`a[aria-label*="Download"]`,
}

// FindDownloadControl returns the page's own download control, or nil. The
// injected import control is never returned.
func FindDownloadControl(p *Page) *goquery.Selection {
	if p == nil || p.Doc == nil {
		return nil
	}
	for _, sel := range downloadSelectors {
		found := p.Doc.Find(sel).Not("." + ControlClass).First()
		if found.Length() > 0 {
			return found
		}
	}
	var match *goquery.Selection
	p.Doc.Find(`button, a, [role="button"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.HasClass(ControlClass) {
			return true
		}
		text := strings.ToLower(strings.TrimSpace(s.Text()))
		if strings.Contains(text, "download") && len(text) < 30 {
			match = s
			return false
		}
		return true
	})
	return match
}

// PlacementStrategy records where the control was placed.
type PlacementStrategy string

const (
	PlaceAfterDownload PlacementStrategy = "after-download"
	PlaceInActions     PlacementStrategy = "actions-container"
	PlaceAfterHeading  PlacementStrategy = "after-heading"
	PlaceFloating      PlacementStrategy = "floating"
)

// Placement is the anchor the control is inserted after. Anchor is nil for
// floating placement.
type Placement struct {
	Strategy PlacementStrategy
	Anchor   *goquery.Selection
}

var actionSelectors = []string{
	`[class*="ActionBar"]`,
	`[class*="action-bar"]`,
	`[class*="Actions"]`,
	`[class*="ItemActions"]`,
	`[class*="item-actions"]`,
	`[class*="ButtonGroup"]`,
	`[class*="button-group"]`,
	`[class*="Sidebar"] button`,
	`[class*="sidebar"] button`,
}

// PlaceControl picks where the import control goes.
func PlaceControl(p *Page) Placement {
	if dl := FindDownloadControl(p); dl != nil && dl.Parent().Length() > 0 {
		return Placement{Strategy: PlaceAfterDownload, Anchor: dl}
	}
	for _, sel := range actionSelectors {
		target := p.Doc.Find(sel).First()
		if target.Length() > 0 && target.Parent().Length() > 0 {
			return Placement{Strategy: PlaceInActions, Anchor: target}
		}
	}
	if h1 := p.Doc.Find("h1").First(); h1.Length() > 0 && h1.Parent().Length() > 0 {
		return Placement{Strategy: PlaceAfterHeading, Anchor: h1}
	}
	return Placement{Strategy: PlaceFloating}
}

// InjectControl inserts the import control. It reports false, leaving the
// document untouched, when a control is already present.
func InjectControl(p *Page) (Placement, bool) {
	if p.HasControl() {
		return Placement{}, false
	}
	placement := PlaceControl(p)
	if placement.Anchor != nil {
		placement.Anchor.AfterHtml(controlMarkup)
		return placement, true
	}
	body := p.Doc.Find("body")
	if body.Length() == 0 {
		body = p.Doc.Selection
	}
	body.AppendHtml(controlMarkup)
	body.Find("." + ControlClass).Last().AddClass("bb-floating")
	return placement, true
}

// RemoveControls strips any injected controls.
func RemoveControls(p *Page) {
	p.Doc.Find("." + ControlClass).Remove()
}
