package wire

import (
	"fmt"
	"sync"

	"smartfeed/models"
)

// fieldSpec describes one field group of the feed schema: its presence bit,
// wire name and the codec pair that reads and writes it. Groups are encoded
// in table order, so the table is the schema.
type fieldSpec struct {
	bit  models.FieldSet
	name string
	enc  func(w *byteWriter, f *models.Fragment)
	dec  func(r *byteReader, f *models.Fragment)
}

var (
	schemaOnce sync.Once
	schemaErr  error
	fieldTable []fieldSpec
	schemaMask models.FieldSet
)

// LoadSchema builds and validates the wire schema. The table is built once,
// lazily, for the process lifetime; concurrent first-use callers share the
// same load. A validation failure is permanent and surfaces on every call.
func LoadSchema() error {
	schemaOnce.Do(func() {
		fieldTable = buildFieldTable()
		for _, spec := range fieldTable {
			schemaMask |= spec.bit
		}
		schemaErr = validateFieldTable(fieldTable)
	})
	if schemaErr != nil {
		return fmt.Errorf("wire schema: %w", schemaErr)
	}
	return nil
}

func validateFieldTable(table []fieldSpec) error {
	if len(table) == 0 {
		return fmt.Errorf("empty field table")
	}
	var seen models.FieldSet
	var prev models.FieldSet
	for _, spec := range table {
		if spec.name == "" {
			return fmt.Errorf("unnamed field bit %#x", spec.bit)
		}
		if spec.bit == 0 || spec.bit&(spec.bit-1) != 0 {
			return fmt.Errorf("field %s: bit %#x is not a single bit", spec.name, spec.bit)
		}
		if seen&spec.bit != 0 {
			return fmt.Errorf("field %s: duplicate bit %#x", spec.name, spec.bit)
		}
		if spec.bit <= prev {
			return fmt.Errorf("field %s: table out of bit order", spec.name)
		}
		if spec.enc == nil || spec.dec == nil {
			return fmt.Errorf("field %s: missing codec", spec.name)
		}
		seen |= spec.bit
		prev = spec.bit
	}
	return nil
}

func buildFieldTable() []fieldSpec {
	return []fieldSpec{
		{
			bit: models.FieldLTP, name: "ltp",
			enc: func(w *byteWriter, f *models.Fragment) { w.f64(f.LTPC.LTP) },
			dec: func(r *byteReader, f *models.Fragment) { f.LTPC.LTP = r.f64() },
		},
		{
			bit: models.FieldLTT, name: "ltt",
			enc: func(w *byteWriter, f *models.Fragment) { w.i64(f.LTPC.LTT) },
			dec: func(r *byteReader, f *models.Fragment) { f.LTPC.LTT = r.i64() },
		},
		{
			bit: models.FieldLTQ, name: "ltq",
			enc: func(w *byteWriter, f *models.Fragment) { w.i64(f.LTPC.LTQ) },
			dec: func(r *byteReader, f *models.Fragment) { f.LTPC.LTQ = r.i64() },
		},
		{
			bit: models.FieldCP, name: "cp",
			enc: func(w *byteWriter, f *models.Fragment) { w.f64(f.LTPC.CP) },
			dec: func(r *byteReader, f *models.Fragment) { f.LTPC.CP = r.f64() },
		},
		{
			bit: models.FieldVTT, name: "vtt",
			enc: func(w *byteWriter, f *models.Fragment) { w.f64(f.VTT) },
			dec: func(r *byteReader, f *models.Fragment) { f.VTT = r.f64() },
		},
		{
			bit: models.FieldATP, name: "atp",
			enc: func(w *byteWriter, f *models.Fragment) { w.f64(f.ATP) },
			dec: func(r *byteReader, f *models.Fragment) { f.ATP = r.f64() },
		},
		{
			bit: models.FieldOI, name: "oi",
			enc: func(w *byteWriter, f *models.Fragment) { w.f64(f.OI) },
			dec: func(r *byteReader, f *models.Fragment) { f.OI = r.f64() },
		},
		{
			bit: models.FieldTBQ, name: "tbq",
			enc: func(w *byteWriter, f *models.Fragment) { w.f64(f.TBQ) },
			dec: func(r *byteReader, f *models.Fragment) { f.TBQ = r.f64() },
		},
		{
			bit: models.FieldTSQ, name: "tsq",
			enc: func(w *byteWriter, f *models.Fragment) { w.f64(f.TSQ) },
			dec: func(r *byteReader, f *models.Fragment) { f.TSQ = r.f64() },
		},
		{
			bit: models.FieldIV, name: "iv",
			enc: func(w *byteWriter, f *models.Fragment) { w.f64(f.IV) },
			dec: func(r *byteReader, f *models.Fragment) { f.IV = r.f64() },
		},
		{
			bit: models.FieldGreeks, name: "option_greeks",
			enc: func(w *byteWriter, f *models.Fragment) {
				w.f64(f.Greeks.Delta)
				w.f64(f.Greeks.Gamma)
				w.f64(f.Greeks.Theta)
				w.f64(f.Greeks.Vega)
				w.f64(f.Greeks.Rho)
				w.f64(f.Greeks.IV)
			},
			dec: func(r *byteReader, f *models.Fragment) {
				f.Greeks.Delta = r.f64()
				f.Greeks.Gamma = r.f64()
				f.Greeks.Theta = r.f64()
				f.Greeks.Vega = r.f64()
				f.Greeks.Rho = r.f64()
				f.Greeks.IV = r.f64()
			},
		},
		{
			bit: models.FieldCandles, name: "market_ohlc",
			enc: func(w *byteWriter, f *models.Fragment) {
				w.u8(uint8(len(f.Candles)))
				for _, c := range f.Candles {
					w.u8(uint8(c.Interval))
					w.f64(c.Open)
					w.f64(c.High)
					w.f64(c.Low)
					w.f64(c.Close)
					w.f64(c.Volume)
					w.i64(c.TS)
				}
			},
			dec: func(r *byteReader, f *models.Fragment) {
				n := int(r.u8())
				candles := make([]models.Candle, 0, n)
				for i := 0; i < n; i++ {
					candles = append(candles, models.Candle{
						Interval: models.CandleInterval(r.u8()),
						Open:     r.f64(),
						High:     r.f64(),
						Low:      r.f64(),
						Close:    r.f64(),
						Volume:   r.f64(),
						TS:       r.i64(),
					})
				}
				f.Candles = candles
			},
		},
		{
			bit: models.FieldDepth, name: "bid_ask_quote",
			enc: func(w *byteWriter, f *models.Fragment) {
				w.u8(uint8(len(f.Depth)))
				for _, d := range f.Depth {
					w.f64(d.BidQ)
					w.f64(d.BidP)
					w.f64(d.AskQ)
					w.f64(d.AskP)
				}
			},
			dec: func(r *byteReader, f *models.Fragment) {
				n := int(r.u8())
				depth := make([]models.DepthLevel, 0, n)
				for i := 0; i < n; i++ {
					depth = append(depth, models.DepthLevel{
						BidQ: r.f64(),
						BidP: r.f64(),
						AskQ: r.f64(),
						AskP: r.f64(),
					})
				}
				f.Depth = depth
			},
		},
	}
}
