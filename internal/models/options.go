package models

// OptionParameters describes the listed option chain of an underlying as
// reported by the broker's security definition query.
type OptionParameters struct {
	Symbol      string
	Exchange    string
	Multiplier  int
	Expirations []string // YYYYMMDD, ascending
	Strikes     []float64
}

// OptionChain is a strike-windowed view of a single expiry, populated with
// live quotes for the watch panel.
type OptionChain struct {
	Symbol    string
	SpotPrice float64
	Expiry    string
	Strikes   []OptionStrike
}

// OptionStrike represents a single strike row in the chain.
type OptionStrike struct {
	Strike float64
	Call   *OptionQuote
	Put    *OptionQuote
}

// OptionQuote represents quote data for a single option contract.
type OptionQuote struct {
	Bid    float64
	Ask    float64
	Last   float64
	Volume int64
	IV     float64
	Delta  float64
	Theta  float64
}
