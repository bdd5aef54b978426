// Package agent assembles the capture side of bundlebridge.
//
// Service hosts the correlator behind the websocket bridge and accepts
// passive observations of requests and started downloads. PageSession is
// the page half: it parses a marketplace document, installs the
// interceptor over the page's network and link primitives, and drives a
// relay against the agent to send the asset to the import API.
package agent
