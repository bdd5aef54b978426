// Package transport is the capture side's client for the import REST API.
//
// Two authentication strategies are supported. In password mode requests go
// to {site_url}/rest/bundlebridge/v1 with Basic user:app-password
// credentials. In cookie mode requests go to {rest_url}/bundlebridge/v1 and
// carry a session cookie jar plus the X-BB-Nonce header; a 401 or 403 in
// this mode means the session expired. Non-2xx responses surface the
// server's message verbatim.
package transport
