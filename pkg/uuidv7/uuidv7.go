package uuidv7

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 per RFC 9562: 48 bits of unix-millisecond time
// followed by random bits, so identifiers sort roughly by creation time.
func New() (uuid.UUID, error) {
	var u uuid.UUID
	if _, err := io.ReadFull(rand.Reader, u[:]); err != nil {
		return uuid.Nil, err
	}

	ms := uint64(time.Now().UnixMilli())
	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)

	// Version 7 (0b0111)
	u[6] = (u[6] & 0x0f) | 0x70
	// Variant RFC 4122 (0b10xxxxxx)
	u[8] = (u[8] & 0x3f) | 0x80

	return u, nil
}

func NewString() (string, error) {
	u, err := New()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
