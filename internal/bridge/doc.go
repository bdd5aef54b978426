// Package bridge carries protocol messages between page relays and the
// correlator over websockets.
//
// The Server exposes /relay?page=<id>; every connection is registered for
// that page's notifications and a closed connection is reported to the
// handler as PAGE_CLOSED. The Client is the relay side: it correlates
// responses by message id and surfaces notifications on a channel.
package bridge
