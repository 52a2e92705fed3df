package usage

// UsageData is the persisted form of the tracker.
type UsageData struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds token counters broken down by dimension.
type AggregatedStats struct {
	Total       TokenCounts            `json:"total"`
	ByModel     map[string]TokenCounts `json:"by_model"`
	ByStory     map[string]TokenCounts `json:"by_story"`
	ByAgent     map[string]TokenCounts `json:"by_agent"`
	ByOperation map[string]TokenCounts `json:"by_operation"` // generate, stream
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
	Calls  int64 `json:"calls"`
}

// Add records one model call.
func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Calls++
}

func newAggregate() AggregatedStats {
	return AggregatedStats{
		ByModel:     make(map[string]TokenCounts),
		ByStory:     make(map[string]TokenCounts),
		ByAgent:     make(map[string]TokenCounts),
		ByOperation: make(map[string]TokenCounts),
	}
}
