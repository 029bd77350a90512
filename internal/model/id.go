package model

import "github.com/oklog/ulid/v2"

// NewID returns a new invocation id. ULIDs embed their creation time and
// sort lexicographically, which keeps id order usable as the final
// tiebreaker in queue admission scans.
func NewID() string {
	return ulid.Make().String()
}
