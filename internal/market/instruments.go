package market

import "strings"

var defaultInstruments = []Instrument{
	{Symbol: "RELIANCE", Name: "Reliance Industries"},
	{Symbol: "TCS", Name: "TCS"},
	{Symbol: "INFY", Name: "Infosys"},
	{Symbol: "HDFCBANK", Name: "HDFC Bank"},
	{Symbol: "ICICIBANK", Name: "ICICI Bank"},
	{Symbol: "HDFC", Name: "HDFC"},
	{Symbol: "LT", Name: "Larsen & Toubro"},
	{Symbol: "SBI", Name: "State Bank of India"},
	{Symbol: "KOTAKBANK", Name: "Kotak Mahindra Bank"},
	{Symbol: "AXISBANK", Name: "Axis Bank"},
	{Symbol: "ITC", Name: "ITC"},
	{Symbol: "MARUTI", Name: "Maruti Suzuki"},
	{Symbol: "BHARTIARTL", Name: "Bharti Airtel"},
	{Symbol: "SUNPHARMA", Name: "Sun Pharma"},
	{Symbol: "TATAMOTORS", Name: "Tata Motors"},
}

// Universe is an immutable set of instruments.
type Universe struct {
	list  []Instrument
	index map[string]Instrument
}

// NewUniverse builds a universe from list. Symbols are upper-cased; later
// duplicates are dropped.
func NewUniverse(list []Instrument) *Universe {
	u := &Universe{index: make(map[string]Instrument, len(list))}
	for _, in := range list {
		in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
		if in.Symbol == "" {
			continue
		}
		if _, dup := u.index[in.Symbol]; dup {
			continue
		}
		u.index[in.Symbol] = in
		u.list = append(u.list, in)
	}
	return u
}

// DefaultUniverse returns the fixed set of 15 instruments the sandbox trades.
func DefaultUniverse() *Universe {
	return NewUniverse(defaultInstruments)
}

// Instruments returns a copy of the instruments in declaration order.
func (u *Universe) Instruments() []Instrument {
	out := make([]Instrument, len(u.list))
	copy(out, u.list)
	return out
}

// Symbols returns the symbols in declaration order.
func (u *Universe) Symbols() []string {
	out := make([]string, len(u.list))
	for i, in := range u.list {
		out[i] = in.Symbol
	}
	return out
}

// Lookup finds an instrument by symbol, case-insensitively.
func (u *Universe) Lookup(symbol string) (Instrument, bool) {
	in, ok := u.index[strings.ToUpper(strings.TrimSpace(symbol))]
	return in, ok
}

// Known reports whether symbol is part of the universe.
func (u *Universe) Known(symbol string) bool {
	_, ok := u.Lookup(symbol)
	return ok
}
