package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeInstrumentKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"NSE_EQ|RELIANCE", "NSE_EQ|RELIANCE"},
		{"nse_eq|reliance", "NSE_EQ|RELIANCE"},
		{"  NSE_FO | nifty 24 jun fut ", "NSE_FO|NIFTY_24_JUN_FUT"},
		{"reliance", "RELIANCE"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeInstrumentKey(c.in); got != c.want {
			t.Errorf("NormalizeInstrumentKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSnapshotApplyPartial(t *testing.T) {
	snap := Snapshot{Key: "NSE_FO|42691"}
	full := Fragment{
		Kind:   KindFullFeed,
		Fields: FieldLTP | FieldVTT | FieldGreeks,
		LTPC:   LTPC{LTP: 101.5},
		VTT:    50000,
		Greeks: OptionGreeks{Gamma: 0.0012, Delta: 0.8},
	}
	snap.Apply(full, time.Unix(1, 0))

	ltpOnly := Fragment{
		Kind:   KindLTPC,
		Fields: FieldLTP,
		LTPC:   LTPC{LTP: 102.25},
	}
	snap.Apply(ltpOnly, time.Unix(2, 0))

	if snap.LTPC.LTP != 102.25 {
		t.Fatalf("ltp not updated: %v", snap.LTPC.LTP)
	}
	if snap.Greeks.Gamma != 0.0012 || snap.Greeks.Delta != 0.8 {
		t.Fatalf("greeks lost on partial update: %+v", snap.Greeks)
	}
	if snap.VTT != 50000 {
		t.Fatalf("vtt lost on partial update: %v", snap.VTT)
	}
}

func TestSnapshotCloneIsolation(t *testing.T) {
	snap := Snapshot{
		Key:   "NSE_EQ|RELIANCE",
		Depth: []DepthLevel{{BidP: 100, AskP: 101}},
	}
	clone := snap.Clone()
	clone.Depth[0].BidP = 999
	if snap.Depth[0].BidP != 100 {
		t.Fatalf("clone shares depth ladder with source")
	}
}

func TestTickEventJSON(t *testing.T) {
	evt := Tick{
		Type:      EventTick,
		Key:       "NSE_EQ|RELIANCE",
		LTP:       2950.5,
		Volume:    120000,
		Timestamp: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != "tick" || out["symbol"] != "NSE_EQ|RELIANCE" {
		t.Fatalf("unexpected payload: %v", out)
	}
	if out["timestamp"] != "2025-06-02T09:30:00Z" {
		t.Fatalf("timestamp not RFC3339: %v", out["timestamp"])
	}
}

func TestFieldSetHas(t *testing.T) {
	f := FieldLTP | FieldVTT
	if !f.Has(FieldLTP) || !f.Has(FieldVTT) {
		t.Fatal("expected bits missing")
	}
	if f.Has(FieldGreeks) {
		t.Fatal("unexpected greeks bit")
	}
	if f.Has(FieldLTP | FieldGreeks) {
		t.Fatal("Has must require every bit in the mask")
	}
}
