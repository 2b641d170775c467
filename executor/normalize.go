package executor

const (
	DefaultFalseCompleteBytes = 1_000_000
	DefaultFalseCompleteClamp = 5.0

	// OverflowClamp caps readings above 100% that are not false completes.
	OverflowClamp = 99.0
)

// Normalization tunes the false complete heuristic. Engines sometimes
// report a tiny total early in a transfer, which reads as >=100% while
// almost nothing has been downloaded.
type Normalization struct {
	FalseCompleteBytes int64
	FalseCompleteClamp float64
}

// DefaultNormalization returns the stock heuristic.
func DefaultNormalization() Normalization {
	return Normalization{
		FalseCompleteBytes: DefaultFalseCompleteBytes,
		FalseCompleteClamp: DefaultFalseCompleteClamp,
	}
}

// NormalizePercentage converts byte counts into a reported percentage. The
// second return value is false when total is unknown.
func NormalizePercentage(downloaded, total int64, n Normalization) (float64, bool) {
	if total <= 0 {
		return 0, false
	}

	raw := float64(downloaded) / float64(total) * 100

	switch {
	case raw < 0:
		return 0, true
	case raw >= 100 && downloaded < n.FalseCompleteBytes:
		return n.FalseCompleteClamp, true
	case raw > 100:
		return OverflowClamp, true
	default:
		return raw, true
	}
}
