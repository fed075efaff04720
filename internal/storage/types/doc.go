// Package types defines the core data types shared by the sample store,
// the series engine and the query service.
//
// Key types:
//   - Sample: a single TCPing delay observation for one monitor of a server
//   - Bucket: aggregate of all samples of one monitor in one interval slot
//   - Interval: epoch-anchored resample interval
//   - Window: half-open time range [since, until) in milliseconds
package types
