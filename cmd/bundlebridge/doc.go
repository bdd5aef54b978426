// Package main hosts the bundlebridge CLI entrypoint and command graph.
//
// Job and library commands talk to the import API through the same client
// the capture agent uses, so every command works against a local or remote
// daemon. The agent, capture and session commands drive the capture agent
// and the page relay; scrape runs page detection offline.
package main
