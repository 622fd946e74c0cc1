package features

import (
	"math"
	"testing"
	"time"

	"paper-trading-engine/internal/database"
)

// floatEquals compares two floats with tolerance
func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// genBars builds a deterministic pseudo-random walk of n 15m bars.
func genBars(n int, seed float64) []database.OhlcBar {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]database.OhlcBar, n)
	price := 100.0
	for i := 0; i < n; i++ {
		// Cheap deterministic oscillation, no RNG needed.
		drift := math.Sin(seed+float64(i)*0.37) * 0.8
		open := price
		price += drift
		hi := math.Max(open, price) + 0.2
		lo := math.Min(open, price) - 0.2
		bars[i] = database.OhlcBar{
			Symbol:    "BTC",
			Timeframe: "15m",
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      open,
			High:      hi,
			Low:       lo,
			Close:     price,
			Volume:    1000 + 50*math.Cos(float64(i)),
		}
	}
	return bars
}

func TestComputeDeterministic(t *testing.T) {
	bars := genBars(300, 1.0)
	calc := NewCalculator(20)

	a, err := calc.Compute(bars, "15m")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	b, err := calc.Compute(bars, "15m")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	ma, mb := a.Map(), b.Map()
	if len(ma) != len(mb) {
		t.Fatalf("map sizes differ: %d vs %d", len(ma), len(mb))
	}
	for k, v := range ma {
		if mb[k] != v {
			t.Errorf("feature %s not deterministic: %v vs %v", k, v, mb[k])
		}
	}
}

func TestComputeRejectsShortInput(t *testing.T) {
	calc := NewCalculator(20)
	_, err := calc.Compute(genBars(MinBars-1, 1.0), "15m")
	if err == nil {
		t.Fatal("expected insufficient data error")
	}
}

func TestComputeRejectsNonMonotonicTimestamps(t *testing.T) {
	bars := genBars(300, 1.0)
	bars[100].Timestamp = bars[99].Timestamp
	calc := NewCalculator(20)
	if _, err := calc.Compute(bars, "15m"); err == nil {
		t.Fatal("expected non-monotonic timestamp error")
	}
}

func TestComputeRejectsImpossibleOHLC(t *testing.T) {
	bars := genBars(300, 1.0)
	bars[len(bars)-1].High = bars[len(bars)-1].Low - 1
	calc := NewCalculator(20)
	if _, err := calc.Compute(bars, "15m"); err == nil {
		t.Fatal("expected bad ohlc error")
	}
}

func TestReturnWindows(t *testing.T) {
	// Flat at 100, then the last 4 bars (1h of 15m bars) step to 102.
	bars := genBars(300, 1.0)
	for i := range bars {
		bars[i].Open, bars[i].Close = 100, 100
		bars[i].High, bars[i].Low = 100.5, 99.5
	}
	for i := len(bars) - 4; i < len(bars); i++ {
		bars[i].Close = 102
		bars[i].High = 102.5
	}
	calc := NewCalculator(20)
	f, err := calc.Compute(bars, "15m")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !floatEquals(f.Return1h, 2.0, 1e-9) {
		t.Errorf("1h return: want 2.0, got %v", f.Return1h)
	}
	if !floatEquals(f.Return24h, 2.0, 1e-9) {
		t.Errorf("24h return: want 2.0, got %v", f.Return24h)
	}
	if f.Close != 102 {
		t.Errorf("close: want 102, got %v", f.Close)
	}
}

func TestSMAKnownValues(t *testing.T) {
	bars := []database.OhlcBar{
		{Close: 1}, {Close: 2}, {Close: 3}, {Close: 4}, {Close: 5},
	}
	if got := SMA(bars, 3); !floatEquals(got, 4, 1e-12) {
		t.Errorf("SMA(3): want 4, got %v", got)
	}
	if got := SMA(bars, 6); got != 0 {
		t.Errorf("SMA beyond data: want 0, got %v", got)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]database.OhlcBar, 20)
	for i := range up {
		up[i].Close = 100 + float64(i)
	}
	if got := RSI(up, 14); got != 100 {
		t.Errorf("all-gains RSI: want 100, got %v", got)
	}

	down := make([]database.OhlcBar, 20)
	for i := range down {
		down[i].Close = 100 - float64(i)
	}
	if got := RSI(down, 14); got != 0 {
		t.Errorf("all-losses RSI: want 0, got %v", got)
	}
}

func TestBollingerFlatSeries(t *testing.T) {
	bars := make([]database.OhlcBar, 25)
	for i := range bars {
		bars[i].Close = 50
	}
	b := BollingerBands(bars, 20, 2.0)
	if b.Middle != 50 {
		t.Errorf("middle: want 50, got %v", b.Middle)
	}
	if b.Width != 0 {
		t.Errorf("flat series width: want 0, got %v", b.Width)
	}
}

func TestAverageVolumeExcludesCurrentBar(t *testing.T) {
	bars := make([]database.OhlcBar, 6)
	for i := range bars {
		bars[i].Volume = 100
	}
	bars[5].Volume = 10000 // current bar spike must not pollute the mean
	if got := AverageVolume(bars, 5); !floatEquals(got, 100, 1e-12) {
		t.Errorf("average volume: want 100, got %v", got)
	}
}

func TestHighestHighExcludesCurrentBar(t *testing.T) {
	bars := make([]database.OhlcBar, 5)
	for i := range bars {
		bars[i].High = 100
	}
	bars[4].High = 200
	if got := HighestHigh(bars, 4); got != 100 {
		t.Errorf("highest high: want 100, got %v", got)
	}
}
