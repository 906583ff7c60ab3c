// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, request parsing and the request-scoped
// middleware every route shares.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, report)
//	httputil.WriteBadRequest(w, "invalid tier")
//	httputil.WriteDetailedError(w, http.StatusForbidden, "quota_exceeded", details)
//
// # Request Parsing
//
//	var req ReconcileRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	limit, offset, err := httputil.ParsePagination(r, 20)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
