package models

import "strings"

// NormalizeInstrumentKey canonicalizes an instrument key of the form
// "EXCHANGE|SYMBOL" so that equivalent inputs map to the same registry and
// cache entry: both segments are uppercased and runs of whitespace inside the
// symbol collapse to a single underscore.
func NormalizeInstrumentKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return key
	}
	exchange, symbol, ok := strings.Cut(key, "|")
	if !ok {
		return strings.ToUpper(collapseWhitespace(key))
	}
	exchange = strings.ToUpper(strings.TrimSpace(exchange))
	symbol = strings.ToUpper(collapseWhitespace(symbol))
	return exchange + "|" + symbol
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.Join(fields, "_")
}
