// Package relay owns the page-side half of the capture flow.
//
// It decides whether a marketplace page is an importable asset page, places a
// single import control on it, scrapes the asset metadata, forwards
// interceptor captures to the correlator and reflects import outcomes as
// control state. Pages are parsed HTML documents held as goquery selections.
package relay
