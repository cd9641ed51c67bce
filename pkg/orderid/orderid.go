// Package orderid generates client order ids accepted by futures venues
package orderid

import (
	"strings"

	"github.com/google/uuid"
)

// MaxLength is the longest client order id the venue accepts
const MaxLength = 36

// Purpose tags identify what an order was placed for
const (
	PurposeOpen       = "op"
	PurposeClose      = "cl"
	PurposeStopLoss   = "sl"
	PurposeTakeProfit = "tp"
)

// New returns "<prefix>_<purpose>_<random hex>" trimmed to MaxLength
func New(prefix, purpose string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	s := prefix + "_" + purpose + "_" + id
	if len(s) > MaxLength {
		s = s[:MaxLength]
	}
	return s
}

// Purpose extracts the purpose tag from an id created by New, or "" if the id
// does not carry the prefix.
func Purpose(prefix, clientOrderID string) string {
	rest, ok := strings.CutPrefix(clientOrderID, prefix+"_")
	if !ok {
		return ""
	}
	purpose, _, ok := strings.Cut(rest, "_")
	if !ok {
		return ""
	}
	return purpose
}
