package intercept

import (
	"context"

	"bundlebridge/internal/heuristics"
)

type linkActivator struct {
	base    LinkActivator
	emitter *emitter
}

func (l *linkActivator) Activate(ctx context.Context, link Link) error {
	safely(func() {
		source := SourceAnchorClick
		if link.Dynamic {
			source = SourceDynamicAnchorClick
		}
		switch {
		case heuristics.LooksLikeDownloadURL(link.Href):
			l.emitter.emit(link.Href, CapabilityLink, source)
		case link.DownloadAttr && link.Href != "":
			l.emitter.emit(link.Href, CapabilityLink, SourceAnchorDownloadAttr)
		}
	})
	return l.base.Activate(ctx, link)
}

type navigator struct {
	base    Navigator
	emitter *emitter
}

func (n *navigator) Open(ctx context.Context, url string) error {
	n.observe(url, SourceWindowOpen)
	return n.base.Open(ctx, url)
}

func (n *navigator) Assign(ctx context.Context, url string) error {
	n.observe(url, SourceLocationAssign)
	return n.base.Assign(ctx, url)
}

func (n *navigator) observe(url string, source Source) {
	safely(func() {
		if heuristics.LooksLikeDownloadURL(url) {
			n.emitter.emit(url, CapabilityNavigation, source)
		}
	})
}
