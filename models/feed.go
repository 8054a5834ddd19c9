package models

import "time"

// FeedKind identifies which shape of feed fragment the upstream sent for an
// instrument. The wire codec normalizes every shape into a single canonical
// Fragment so downstream components never branch on shape again.
type FeedKind uint8

const (
	KindLTPC FeedKind = iota + 1
	KindFullFeed
	KindFirstLevelWithGreeks
)

func (k FeedKind) String() string {
	switch k {
	case KindLTPC:
		return "ltpc"
	case KindFullFeed:
		return "full_feed"
	case KindFirstLevelWithGreeks:
		return "first_level_with_greeks"
	default:
		return "unknown"
	}
}

// FieldSet is a presence bitmap carried alongside every fragment. A bit set
// means the corresponding field group was present in the inbound message;
// absent groups retain their previously cached values on merge.
type FieldSet uint32

const (
	FieldLTP FieldSet = 1 << iota
	FieldLTT
	FieldLTQ
	FieldCP
	FieldVTT
	FieldATP
	FieldOI
	FieldTBQ
	FieldTSQ
	FieldIV
	FieldGreeks
	FieldCandles
	FieldDepth
)

// Has reports whether every bit in mask is present.
func (f FieldSet) Has(mask FieldSet) bool { return f&mask == mask }

// LTPC is the last-traded block: price, time, quantity and close price.
type LTPC struct {
	LTP float64 `json:"ltp"`
	LTT int64   `json:"ltt"`
	LTQ int64   `json:"ltq"`
	CP  float64 `json:"cp"`
}

// OptionGreeks carries per-contract option greeks.
type OptionGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
	IV    float64 `json:"iv"`
}

// CandleInterval enumerates the OHLC intervals the feed publishes.
type CandleInterval uint8

const (
	IntervalI1 CandleInterval = iota + 1
	IntervalI15
	IntervalDay
)

func (i CandleInterval) String() string {
	switch i {
	case IntervalI1:
		return "I1"
	case IntervalI15:
		return "I15"
	case IntervalDay:
		return "1d"
	default:
		return "unknown"
	}
}

// Candle is one OHLC bar.
type Candle struct {
	Interval CandleInterval `json:"interval"`
	Open     float64        `json:"open"`
	High     float64        `json:"high"`
	Low      float64        `json:"low"`
	Close    float64        `json:"close"`
	Volume   float64        `json:"vol"`
	TS       int64          `json:"ts"`
}

// DepthLevel is one rung of the best bid/ask ladder.
type DepthLevel struct {
	BidQ float64 `json:"bidQ"`
	BidP float64 `json:"bidP"`
	AskQ float64 `json:"askQ"`
	AskP float64 `json:"askP"`
}

// Fragment is the canonical decoded update for a single instrument. It is
// produced only by the wire codec; Fields records which groups the inbound
// message actually carried.
type Fragment struct {
	Kind   FeedKind
	Fields FieldSet

	LTPC    LTPC
	VTT     float64
	ATP     float64
	OI      float64
	TBQ     float64
	TSQ     float64
	IV      float64
	Greeks  OptionGreeks
	Candles []Candle
	Depth   []DepthLevel
}

// HasMarketData reports whether the fragment carries the full market block
// required for scoring.
func (f Fragment) HasMarketData() bool { return f.Kind == KindFullFeed }

// Snapshot is the last known decoded market state for one instrument.
// It is mutated only by the connection manager after a successful decode;
// consumers receive copies.
type Snapshot struct {
	Key       string       `json:"symbol"`
	LTPC      LTPC         `json:"ltpc"`
	VTT       float64      `json:"vtt"`
	ATP       float64      `json:"atp"`
	OI        float64      `json:"oi"`
	TBQ       float64      `json:"tbq"`
	TSQ       float64      `json:"tsq"`
	IV        float64      `json:"iv"`
	Greeks    OptionGreeks `json:"optionGreeks"`
	Candles   []Candle     `json:"ohlc,omitempty"`
	Depth     []DepthLevel `json:"depth,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Apply merges the fragment into the snapshot, last write wins per field
// group. Groups absent from the fragment keep their cached values.
func (s *Snapshot) Apply(f Fragment, at time.Time) {
	if f.Fields.Has(FieldLTP) {
		s.LTPC.LTP = f.LTPC.LTP
	}
	if f.Fields.Has(FieldLTT) {
		s.LTPC.LTT = f.LTPC.LTT
	}
	if f.Fields.Has(FieldLTQ) {
		s.LTPC.LTQ = f.LTPC.LTQ
	}
	if f.Fields.Has(FieldCP) {
		s.LTPC.CP = f.LTPC.CP
	}
	if f.Fields.Has(FieldVTT) {
		s.VTT = f.VTT
	}
	if f.Fields.Has(FieldATP) {
		s.ATP = f.ATP
	}
	if f.Fields.Has(FieldOI) {
		s.OI = f.OI
	}
	if f.Fields.Has(FieldTBQ) {
		s.TBQ = f.TBQ
	}
	if f.Fields.Has(FieldTSQ) {
		s.TSQ = f.TSQ
	}
	if f.Fields.Has(FieldIV) {
		s.IV = f.IV
	}
	if f.Fields.Has(FieldGreeks) {
		s.Greeks = f.Greeks
	}
	if f.Fields.Has(FieldCandles) {
		s.Candles = append(s.Candles[:0:0], f.Candles...)
	}
	if f.Fields.Has(FieldDepth) {
		s.Depth = append(s.Depth[:0:0], f.Depth...)
	}
	s.UpdatedAt = at
}

// Clone returns a deep copy safe to hand to consumers.
func (s *Snapshot) Clone() Snapshot {
	out := *s
	out.Candles = append([]Candle(nil), s.Candles...)
	out.Depth = append([]DepthLevel(nil), s.Depth...)
	return out
}

// BestBid returns the top-of-book bid price, zero when no ladder is cached.
func (s *Snapshot) BestBid() float64 {
	if len(s.Depth) == 0 {
		return 0
	}
	return s.Depth[0].BidP
}

// BestAsk returns the top-of-book ask price, zero when no ladder is cached.
func (s *Snapshot) BestAsk() float64 {
	if len(s.Depth) == 0 {
		return 0
	}
	return s.Depth[0].AskP
}
