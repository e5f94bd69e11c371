// Package httputil provides shared JSON response helpers for HTTP
// handlers. Handlers should use these instead of raw ResponseWriter
// calls so formatting stays consistent across endpoints.
package httputil
