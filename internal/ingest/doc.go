// Package ingest turns template bundles into imported templates.
//
// A Downloader fetches bundles into the private bundle directory (or accepts
// them from an upload), the archive helpers validate, extract and scan them,
// the manifest helpers describe their templates, and the Importer hands each
// template to the content platform through the external CLI or the native
// Platform routine. Pipeline ties these stages to a jobs.Store so every step
// is recorded on the job and every failure lands in its error field.
package ingest
