// Package sqlite contains the SQLite repositories of the map accumulator:
// stamped frame transforms and the per-run cycle log.
//
// All database reads and writes live here rather than in l4perception or
// pipeline, which keeps the geometric core free of SQL.
package sqlite
