// Package intercept wraps a page's network and navigation capabilities so
// that download URLs generated by the page can be observed without changing
// what the page sees.
//
// Install takes the four capabilities (fetch, xhr, link activation and
// navigation) and returns wrapped versions that report Captures to a Sink.
// Every wrapper returns exactly what the underlying capability returned;
// inspection failures are swallowed.
package intercept
