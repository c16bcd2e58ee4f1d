// Package idgen generates the opaque identifiers used across the engine.
//
// All entity IDs are 128-bit values rendered as 32 lowercase hex characters,
// so they shard cleanly by prefix on disk. Invite codes use a shorter,
// human-pasteable alphabet.
package idgen

import (
	"strings"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// New returns a fresh 32-char lowercase hex identifier.
func New() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

// NewInviteCode returns a short, URL-safe invite code.
func NewInviteCode() string {
	return shortuuid.New()
}

// Valid reports whether s looks like an identifier produced by New.
func Valid(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Shard returns the two sharding path segments for an ID: its first two and
// next two hex characters. IDs shorter than four characters shard into "00".
func Shard(id string) (string, string) {
	if len(id) < 4 {
		return "00", "00"
	}
	return id[0:2], id[2:4]
}
