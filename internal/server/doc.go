// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the origin registry that maps a Host header to its cache worker,
// storage and upstream client. Proxy and diagnostics handlers receive the
// resolved OriginRoute; keep exports narrow and accept explicit dependencies.
package server
