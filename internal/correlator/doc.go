// Package correlator matches import requests from pages with download URLs
// captured on the same page, in whichever order they arrive.
//
// The Store holds TTL-bounded captures and pending requests keyed by page.
// The Correlator owns a Store and mutates it only from a single event-loop
// goroutine; calls to the Transport and deliveries to the Notifier always
// happen outside that loop. A pending request waits a bounded window for a
// capture and is then submitted without a URL. Nothing is persisted.
package correlator
