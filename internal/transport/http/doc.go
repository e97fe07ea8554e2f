// Package http exposes the license core over HTTP for collaborators that
// embed a local web UI. It returns an http.Handler to mount; it never
// starts a server.
//
// Routes:
//
//	GET  /status       installed license status in the stable status shape
//	GET  /status?source=state
//	                   activation state only, no envelope is read
//	GET  /fingerprint  this machine's fingerprint for license requests
//	POST /verify       verify envelope text from {"license": "..."}; a
//	                   cache hit answers without decoding the body
//	GET  /health       component health of the installation
//	GET  /metrics      Prometheus exposition, when a handler is supplied
//
// Failures are RFC 7807 problem documents (see internal/errors).
package http
