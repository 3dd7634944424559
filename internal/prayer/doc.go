// Package prayer holds the monthly prayer-time table and the cache that
// keeps it current.
//
// Times are "HH:MM" strings in the reference zone. A Table is immutable once
// the Cache has committed it, so callers may keep the pointer.
package prayer
