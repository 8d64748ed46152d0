// Package chat replays recorded chat logs over time windows.
//
// A chat log is a zstd-compressed text file next to the stream's video file,
// one record per line: "<RFC3339 timestamp> <json payload>", with timestamps
// non-decreasing. The pieces are:
//   - Cursor: scans one log forward. It keeps a single lookahead item (the
//     orphan) so that consecutive windows never read a line twice, and reopens
//     the file from the start when asked for data it already passed.
//   - SessionCache: maps an opaque session token to its Cursor so that a
//     player polling successive windows keeps its scan position. Idle sessions
//     are dropped by Run.
//   - Merge: interleaves two sorted timelines, used to splice database chat
//     history into the log-derived items.
//
// Payloads are forwarded as json.RawMessage and never decoded.
package chat
