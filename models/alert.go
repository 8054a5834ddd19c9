package models

// AlertLevel classifies a composite big-move score.
type AlertLevel string

const (
	LevelNormal   AlertLevel = "NORMAL"
	LevelWatch    AlertLevel = "WATCH"
	LevelWarning  AlertLevel = "WARNING"
	LevelCritical AlertLevel = "CRITICAL"
)

// Severity grades an individual signal.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Signal is one human-readable triggered condition.
type Signal struct {
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
}

// AlertMetrics carries the raw inputs behind a score so consumers can render
// them without recomputing.
type AlertMetrics struct {
	VolumeRatio    float64 `json:"volumeRatio"`
	OrderBookRatio float64 `json:"orderBookRatio"`
	PriceRangePct  float64 `json:"priceRangePct"`
	LTP            float64 `json:"ltp"`
	Gamma          float64 `json:"gamma,omitempty"`
	Delta          float64 `json:"delta,omitempty"`
	IV             float64 `json:"iv,omitempty"`
}

// AlertResult is produced fresh for every analyzed snapshot and never mutated
// afterward; a new result replaces the previous one in any cache.
type AlertResult struct {
	Score   float64      `json:"score"`
	Level   AlertLevel   `json:"alertLevel"`
	Metrics AlertMetrics `json:"metrics"`
	Signals []Signal     `json:"signals"`
}
