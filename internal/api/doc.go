// Package api hosts the HTTP surfaces of the gateway:
//   - the public router, where GET /*?url=<target> returns the prerendered page;
//   - the ops router, with /healthz, /readyz, /metrics and /events/recent.
package api
