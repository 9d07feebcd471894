// Package xid generates prefixed, time-ordered identifiers for ledger
// entries, orders, sales and audit rows.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id built from the prefix, a nanosecond timestamp and a
// random suffix. Ids sort roughly by creation time within a prefix.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
