// Package async provides panic-safe helpers for fire-and-forget work.
//
// Search index dispatch and member notifications run through SafeGo so a
// failing side channel can never take down the request path; Batch fans a
// slice of items over a bounded set of workers and collects errors.
package async
