package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed, time ordered identifier.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fallback(prefix)
	}
	return prefix + "-" + id.String()
}

func fallback(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
