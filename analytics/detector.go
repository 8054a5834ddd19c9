// Package analytics derives a heuristic big-move score from decoded market
// snapshots: volume spikes, explosive candles, order-book imbalance and
// option greeks each contribute a capped bucket to a composite 0-100 score.
package analytics

import (
	"fmt"
	"math"
	"sync"

	"smartfeed/models"
)

// Policy constants. The running average volume is an exponentially weighted
// value updated on every analyzed tick; the first observation seeds it to
// volume/volumeSeedWindow, an approximate one-minute baseline, so the very
// first ratio is finite instead of a divide-by-near-zero spike.
const (
	volumeSeedWindow   = 60.0
	avgVolumeOldWeight = 0.9
	avgVolumeNewWeight = 0.1
)

// Classification thresholds, inclusive lower bounds.
const (
	WatchThreshold    = 35.0
	WarningThreshold  = 55.0
	CriticalThreshold = 75.0

	// PublishThreshold is the minimum score at which the connection manager
	// publishes a big-move alert.
	PublishThreshold = WatchThreshold
)

// Signal trigger thresholds.
const (
	volumeSpikeRatio  = 3.0
	explosiveRangePct = 2.0
	buyPressureRatio  = 3.0
	sellPressureRatio = 1.0 / 3.0
	highGamma         = 0.0005
	extremeGamma      = 0.001
	highDelta         = 0.7
	highIV            = 0.25
)

// Detector scores decoded fragments per instrument. It keeps only the
// running average volume per key as state.
type Detector struct {
	mu         sync.Mutex
	avgVolumes map[string]float64
}

func NewDetector() *Detector {
	return &Detector{avgVolumes: make(map[string]float64)}
}

// Analyze scores one decoded fragment. It returns nil when the fragment
// carries no full market-data block. The result is freshly allocated and
// never mutated afterward.
func (d *Detector) Analyze(key string, frag models.Fragment) *models.AlertResult {
	if !frag.HasMarketData() {
		return nil
	}

	ltp := frag.LTPC.LTP
	volume := frag.VTT
	tbq := frag.TBQ
	tsq := frag.TSQ
	gamma := frag.Greeks.Gamma
	delta := math.Abs(frag.Greeks.Delta)
	iv := frag.Greeks.IV
	if iv == 0 {
		iv = frag.IV
	}

	avg := d.observeVolume(key, volume)
	volumeRatio := 0.0
	if avg > 0 {
		volumeRatio = volume / avg
	}

	obRatio := 0.0
	if tsq > 0 {
		obRatio = tbq / tsq
	}

	priceRange := priceRangePct(frag.Candles)

	score := volumeScore(volumeRatio) +
		rangeScore(priceRange) +
		bookScore(obRatio) +
		greeksScore(gamma, delta, iv)
	score = clamp(score, 0, 100)

	return &models.AlertResult{
		Score: score,
		Level: classify(score),
		Metrics: models.AlertMetrics{
			VolumeRatio:    volumeRatio,
			OrderBookRatio: obRatio,
			PriceRangePct:  priceRange,
			LTP:            ltp,
			Gamma:          gamma,
			Delta:          frag.Greeks.Delta,
			IV:             iv,
		},
		Signals: buildSignals(volumeRatio, priceRange, obRatio, gamma, delta, iv),
	}
}

// observeVolume returns the running average before folding the new
// observation in, so the current tick is compared against history.
func (d *Detector) observeVolume(key string, volume float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	avg, ok := d.avgVolumes[key]
	if !ok || avg <= 0 {
		avg = volume / volumeSeedWindow
	}
	d.avgVolumes[key] = avgVolumeOldWeight*avg + avgVolumeNewWeight*volume
	return avg
}

// Reset drops all running averages. Used only at full teardown.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.avgVolumes = make(map[string]float64)
	d.mu.Unlock()
}

// priceRangePct picks the most granular candle available, preferring the
// 1-minute bar over the 15-minute one, and falling back to whatever is
// present.
func priceRangePct(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	candle := candles[0]
	for _, want := range []models.CandleInterval{models.IntervalI1, models.IntervalI15} {
		for _, c := range candles {
			if c.Interval == want {
				return rangeOf(c)
			}
		}
	}
	return rangeOf(candle)
}

func rangeOf(c models.Candle) float64 {
	if c.Low <= 0 {
		return 0
	}
	return (c.High - c.Low) / c.Low * 100
}

func volumeScore(ratio float64) float64 {
	switch {
	case ratio > 5:
		return 35
	case ratio > 3:
		return 25
	case ratio > 2:
		return 15
	default:
		return 0
	}
}

func rangeScore(pct float64) float64 {
	switch {
	case pct > 3:
		return 30
	case pct > 2:
		return 20
	case pct > 1:
		return 10
	default:
		return 0
	}
}

func bookScore(ratio float64) float64 {
	switch {
	case ratio > 5:
		return 20
	case ratio > 3:
		return 15
	case ratio > 2:
		return 10
	default:
		return 0
	}
}

func greeksScore(gamma, absDelta, iv float64) float64 {
	score := 0.0
	switch {
	case gamma > extremeGamma:
		score += 15
	case gamma > highGamma:
		score += 8
	}
	if absDelta > highDelta {
		score += 6
	}
	if iv > highIV {
		score += 5
	}
	return math.Min(score, 15)
}

func classify(score float64) models.AlertLevel {
	switch {
	case score >= CriticalThreshold:
		return models.LevelCritical
	case score >= WarningThreshold:
		return models.LevelWarning
	case score >= WatchThreshold:
		return models.LevelWatch
	default:
		return models.LevelNormal
	}
}

func buildSignals(volumeRatio, priceRange, obRatio, gamma, absDelta, iv float64) []models.Signal {
	var signals []models.Signal

	if volumeRatio > volumeSpikeRatio {
		signals = append(signals, models.Signal{
			Severity: models.SeverityCritical,
			Title:    "Volume Spike",
			Message:  fmt.Sprintf("%.2fx avg volume", volumeRatio),
		})
	}
	if priceRange > explosiveRangePct {
		signals = append(signals, models.Signal{
			Severity: models.SeverityCritical,
			Title:    "Explosive Candle",
			Message:  fmt.Sprintf("%.2f%% move", priceRange),
		})
	}
	if obRatio > buyPressureRatio {
		signals = append(signals, models.Signal{
			Severity: models.SeverityWarning,
			Title:    "Buy Pressure",
			Message:  fmt.Sprintf("%.2f:1 bid/ask", obRatio),
		})
	} else if obRatio > 0 && obRatio < sellPressureRatio {
		signals = append(signals, models.Signal{
			Severity: models.SeverityWarning,
			Title:    "Sell Pressure",
			Message:  fmt.Sprintf("%.1f:1 ask/bid", 1/obRatio),
		})
	}
	if gamma > highGamma {
		signals = append(signals, models.Signal{
			Severity: models.SeverityInfo,
			Title:    "High Gamma Detected",
			Message:  fmt.Sprintf("Gamma = %.4f", gamma),
		})
	}
	if absDelta > highDelta {
		signals = append(signals, models.Signal{
			Severity: models.SeverityInfo,
			Title:    "High Delta",
			Message:  fmt.Sprintf("Delta = %.2f", absDelta),
		})
	}
	if iv > highIV {
		signals = append(signals, models.Signal{
			Severity: models.SeverityInfo,
			Title:    "High IV",
			Message:  fmt.Sprintf("IV = %.2f", iv),
		})
	}
	if gamma > highGamma && absDelta > highDelta {
		signals = append(signals, models.Signal{
			Severity: models.SeverityCritical,
			Title:    "Gamma-Delta Squeeze",
			Message:  fmt.Sprintf("Gamma %.4f with delta %.2f", gamma, absDelta),
		})
	}
	return signals
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
