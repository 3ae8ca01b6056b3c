// Package httputil provides small helpers shared by the HTTP handlers:
// JSON response envelopes, error responses, and request parsing.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, invitation)
//	httputil.WriteCreated(w, token)
//	httputil.WriteBadRequest(w, "expiry must be positive")
//	httputil.WriteForbidden(w, "access denied")
//
// Error responses are always a JSON object with a single "error" key, so
// clients never need to branch on the failure shape.
//
// # Request Parsing
//
// Path and query parameters come with an -OrError variant that writes the
// 400 response itself and reports success to the caller:
//
//	projectID, ok := httputil.ParsePathInt64OrError(w, r, "projectID")
//	if !ok {
//		return
//	}
//
// # Validation
//
//	if !httputil.ValidateAll(w,
//		func() (bool, string) { return req.Role != "", "role is required" },
//		func() (bool, string) { return req.ExpiresInHours > 0, "expiry must be positive" },
//	) {
//		return
//	}
package httputil
