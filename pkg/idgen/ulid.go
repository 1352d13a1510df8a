// Package idgen generates lexicographically sortable identifiers.
package idgen

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// MustNewID returns a new ULID string. ULIDs sort by creation time,
// which keeps event IDs roughly ordered without coordination.
func MustNewID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		panic(err)
	}
	return id.String()
}
