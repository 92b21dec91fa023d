// Package idgen generates identifiers for offers, trades, holds and ledger rows.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the service. IDs stay sortable only by creation time
// stored alongside them, never by the ID itself.
const (
	PrefixOffer       = "ofr_"
	PrefixTrade       = "trd_"
	PrefixHold        = "hld_"
	PrefixTransaction = "ltx_"
	PrefixTimeline    = "tle_"
	PrefixActivity    = "act_"
	PrefixWebhook     = "whk_"
	PrefixDelivery    = "evt_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 32 hex chars of a UUIDv4 (dashes stripped).
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id carries the given prefix and a well-formed body.
func HasPrefix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	body := strings.TrimPrefix(id, prefix)
	if len(body) != 32 {
		return false
	}
	_, err := uuid.Parse(body)
	return err == nil
}
