// Package heuristics holds the pure pattern-matching functions used to spot
// signed bundle download URLs in requests, response bodies and mutation
// payloads.
//
// All functions are side-effect free and safe for concurrent use.
package heuristics
