// Package instrument classifies symbols, maps exchanges to square-off
// groups and computes the margin required for an order draft.
package instrument

import (
	"strings"

	"github.com/seenimoa/sandbox/internal/config"
)

// derivativeExchanges are the exchanges that list options and futures.
var derivativeExchanges = map[string]bool{
	"NFO":   true,
	"BFO":   true,
	"MCX":   true,
	"CDS":   true,
	"BCD":   true,
	"NCDEX": true,
}

// IsOption reports whether the symbol is an option contract.
func IsOption(symbol, exchange string) bool {
	if !derivativeExchanges[exchange] {
		return false
	}
	return strings.HasSuffix(symbol, "CE") || strings.HasSuffix(symbol, "PE")
}

// IsFuture reports whether the symbol is a futures contract.
func IsFuture(symbol, exchange string) bool {
	if !derivativeExchanges[exchange] {
		return false
	}
	return strings.HasSuffix(symbol, "FUT")
}

// IsDerivative reports whether the symbol is an option or a future.
func IsDerivative(symbol, exchange string) bool {
	return IsOption(symbol, exchange) || IsFuture(symbol, exchange)
}

// Group is a square-off exchange group. The mapping is fixed, not
// configurable.
type Group string

const (
	GroupNSEBSE Group = "NSE_BSE"
	GroupCDSBCD Group = "CDS_BCD"
	GroupMCX    Group = "MCX"
	GroupNCDEX  Group = "NCDEX"
)

var groupExchanges = map[Group][]string{
	GroupNSEBSE: {"NSE", "BSE", "NFO", "BFO"},
	GroupCDSBCD: {"CDS", "BCD"},
	GroupMCX:    {"MCX"},
	GroupNCDEX:  {"NCDEX"},
}

// Groups returns all square-off groups.
func Groups() []Group {
	return []Group{GroupNSEBSE, GroupCDSBCD, GroupMCX, GroupNCDEX}
}

// Exchanges returns the exchanges belonging to the group.
func (g Group) Exchanges() []string {
	return groupExchanges[g]
}

// Contains reports whether the exchange belongs to the group.
func (g Group) Contains(exchange string) bool {
	for _, e := range groupExchanges[g] {
		if e == exchange {
			return true
		}
	}
	return false
}

// CutoffConfigKey returns the runtime config key holding the group's
// square-off time.
func (g Group) CutoffConfigKey() string {
	switch g {
	case GroupNSEBSE:
		return config.KeyNSEBSESquareOffTime
	case GroupCDSBCD:
		return config.KeyCDSBCDSquareOffTime
	case GroupMCX:
		return config.KeyMCXSquareOffTime
	case GroupNCDEX:
		return config.KeyNCDEXSquareOffTime
	}
	return ""
}

// GroupForExchange maps an exchange to its square-off group.
func GroupForExchange(exchange string) (Group, bool) {
	for g, exchanges := range groupExchanges {
		for _, e := range exchanges {
			if e == exchange {
				return g, true
			}
		}
	}
	return "", false
}

// KnownExchange reports whether the exchange is one the sandbox trades.
func KnownExchange(exchange string) bool {
	_, ok := GroupForExchange(exchange)
	return ok
}
