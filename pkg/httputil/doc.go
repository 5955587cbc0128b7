// Package httputil holds the JSON response and request helpers shared by the
// audit query API and the identity webhooks.
//
// Errors are always written as a JSON object with an "error" field:
//
//	httputil.WriteBadRequest(w, "invalid limit")
//	// {"error":"invalid limit"}
//
// Query parameters:
//
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
//	since, err := httputil.ParseQueryTime(r, "start_time")
package httputil
