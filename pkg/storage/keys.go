package storage

import (
	"fmt"
)

// Pebble key schema
// Design principles:
// 1. Prefix-based for range scans (all history rows of a user)
// 2. Zero-padded sequence numbers so lexicographic order is chronological
// 3. User id as primary key for ownership
//
//   acc:<userID>             → Account (JSON)
//   uname:<username>         → userID (secondary index)
//   hist:<userID>:<seq>      → Order (JSON)
//   wl:<userID>              → []instrumentID (JSON)

const (
	prefixAccount   = "acc:"
	prefixUsername  = "uname:"
	prefixHistory   = "hist:"
	prefixWatchlist = "wl:"
)

// accountKey returns the key for an account
// Format: "acc:{userID}"
func accountKey(userID string) []byte {
	return []byte(prefixAccount + userID)
}

// usernameKey returns the username index key
// Format: "uname:{username}"
func usernameKey(username string) []byte {
	return []byte(prefixUsername + username)
}

// historyKey returns the key for one executed order
// Format: "hist:{userID}:{seq}", seq zero-padded to 20 digits
func historyKey(userID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixHistory, userID, seq))
}

// historyPrefix returns the prefix for all orders of a user
// Format: "hist:{userID}:"
func historyPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixHistory, userID))
}

// watchlistKey returns the key for a user's watchlist
// Format: "wl:{userID}"
func watchlistKey(userID string) []byte {
	return []byte(prefixWatchlist + userID)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "hist:u1:" -> upper bound "hist:u1;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
