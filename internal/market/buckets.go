package market

import "sort"

// buckets is the static registry of tradable symbols per bucket. Symbols use
// the quote provider's notation.
var buckets = map[string][]string{
	"crypto": {
		"BTC/USD", "ETH/USD", "BNB/USD", "SOL/USD", "XRP/USD", "ADA/USD",
		"DOGE/USD", "AVAX/USD", "DOT/USD", "LINK/USD", "MATIC/USD", "LTC/USD",
		"TRX/USD", "ATOM/USD", "UNI/USD", "XLM/USD", "ETC/USD",
	},
	"bist": {
		"THYAO", "ASELS", "GARAN", "AKBNK", "KCHOL", "SISE", "EREGL",
		"BIMAS", "TUPRS", "YKBNK", "SAHOL", "FROTO",
	},
	"forex": {
		"USD/TRY", "EUR/TRY", "GBP/TRY", "EUR/USD", "GBP/USD", "USD/JPY",
		"USD/CHF", "AUD/USD",
	},
	"us-stocks": {
		"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA", "BRK.B",
		"JPM", "V", "UNH", "XOM", "JNJ", "WMT", "PG", "MA",
	},
	"commodities": {
		"XAU/USD", "XAG/USD", "XPT/USD", "WTI/USD", "BRENT/USD",
	},
}

// Symbols returns the bucket's symbol list and whether the bucket exists
func Symbols(bucket string) ([]string, bool) {
	symbols, ok := buckets[bucket]
	if !ok {
		return nil, false
	}
	out := make([]string, len(symbols))
	copy(out, symbols)
	return out, true
}

// Buckets lists the registry sorted by name
func Buckets() []BucketInfo {
	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]BucketInfo, 0, len(names))
	for _, name := range names {
		symbols, _ := Symbols(name)
		out = append(out, BucketInfo{Name: name, Symbols: symbols})
	}
	return out
}
