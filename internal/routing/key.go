// Package routing derives routing keys from raw hostnames. Every place a
// key is computed goes through Normalize so that equivalent spellings of a
// hostname always resolve to the same registry entry.
package routing

import "strings"

// Key is a normalized hostname used to look up endpoints.
type Key = string

// Normalize turns a raw hostname into a routing key: the protocol scheme is
// stripped, the host is lowercased, and a single trailing slash is removed.
func Normalize(raw string) Key {
	key := strings.TrimSpace(raw)
	if i := strings.Index(key, "://"); i >= 0 {
		key = key[i+3:]
	}
	key = strings.ToLower(key)
	key = strings.TrimSuffix(key, "/")
	return key
}
