package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ID prefixes, one per persisted entity.
const (
	PrefixEvent      = "evt"
	PrefixMapping    = "map"
	PrefixEndpoint   = "ep"
	PrefixDelivery   = "dlv"
	PrefixAttempt    = "att"
	PrefixRetry      = "rty"
	PrefixDeadLetter = "dlq"
	PrefixRateLimit  = "rl"
)

// NewID returns a time-ordered identifier such as "evt_01J9...".
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}

// secretBytes is the amount of entropy behind every endpoint secret.
const secretBytes = 64

func NewSecret() string {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "whsec_" + hex.EncodeToString(b)
}
