package models

import "math"

// Bar is one daily OHLCV candle. Timestamp is the bar open time in Unix
// milliseconds and is the merge key of the canonical table.
type Bar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func (b Bar) Valid() bool {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	if math.IsNaN(b.Volume) || math.IsInf(b.Volume, 0) || b.Volume < 0 {
		return false
	}
	if b.High < b.Low || b.High < b.Open || b.High < b.Close {
		return false
	}
	return b.Low <= b.Open && b.Low <= b.Close
}

// Dedupe keeps the last occurrence of each timestamp, preserving the order in
// which timestamps were first seen.
func Dedupe(bars []Bar) []Bar {
	idx := make(map[int64]int, len(bars))
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if i, ok := idx[b.Timestamp]; ok {
			out[i] = b
			continue
		}
		idx[b.Timestamp] = len(out)
		out = append(out, b)
	}
	return out
}
