package ml

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"paper-trading-engine/internal/settings"
)

var tierExits = settings.ExitParams{
	TakeProfit: 0.04,
	StopLoss:   0.061,
	HoldHours:  72,
}

func writeModel(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMissingArtifactMeansPassThrough(t *testing.T) {
	f, err := NewFilter(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("empty model dir must load: %v", err)
	}
	if f.Enabled(settings.StrategyDCA) {
		t.Error("no artifact, filter must be disabled")
	}
	res := f.Score(settings.StrategyDCA, map[string]float64{"rsi_14": 28}, tierExits)
	if !res.PassThrough {
		t.Fatal("expected pass-through result")
	}
	if res.Confidence != 1.0 || res.SizeMultiplier != 1.0 {
		t.Errorf("pass-through confidence/size: %+v", res)
	}
	if res.PredictedTakeProfit != tierExits.TakeProfit || res.PredictedStopLoss != tierExits.StopLoss || res.PredictedHoldHours != tierExits.HoldHours {
		t.Errorf("pass-through must carry tier exits: %+v", res)
	}
	if res.Predictions() != nil {
		t.Error("pass-through results have no predictions to persist")
	}
}

func TestMalformedArtifactFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "dca.json", `{"strategy": "DCA", "bias":`)
	if _, err := NewFilter(dir, zerolog.Nop()); err == nil {
		t.Fatal("malformed artifact must fail startup")
	}

	dir = t.TempDir()
	writeModel(t, dir, "swing.json", `{"strategy": "SWING", "version": "1", "bias": 0.1, "weights": {}}`)
	if _, err := NewFilter(dir, zerolog.Nop()); err == nil {
		t.Fatal("artifact without weights must fail startup")
	}
}

func TestLogisticScoring(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "dca.json", `{
		"strategy": "DCA",
		"version": "2024-12-01",
		"bias": -1.0,
		"weights": {"rsi_14": 0.05, "volume_ratio": 0.5}
	}`)
	f, err := NewFilter(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !f.Enabled(settings.StrategyDCA) {
		t.Fatal("model present, filter must be enabled")
	}
	if f.Enabled(settings.StrategySwing) {
		t.Error("swing has no model")
	}

	feats := map[string]float64{"rsi_14": 28, "volume_ratio": 1.2}
	res := f.Score(settings.StrategyDCA, feats, tierExits)
	if res.PassThrough {
		t.Fatal("scored result must not be pass-through")
	}
	z := -1.0 + 0.05*28 + 0.5*1.2
	want := 1.0 / (1.0 + math.Exp(-z))
	if math.Abs(res.Confidence-want) > 1e-12 {
		t.Errorf("confidence: want %v, got %v", want, res.Confidence)
	}
	if res.ModelVersion != "2024-12-01" {
		t.Errorf("model version: got %q", res.ModelVersion)
	}
	// No exit head: tier exits pass through the predictions.
	if res.PredictedTakeProfit != tierExits.TakeProfit {
		t.Errorf("predicted tp: got %v", res.PredictedTakeProfit)
	}
	preds := res.Predictions()
	if preds["predicted_stop_loss"] != tierExits.StopLoss {
		t.Errorf("predictions map: %v", preds)
	}
}

func TestExitHeadScalesWithConfidence(t *testing.T) {
	dir := t.TempDir()
	// Large positive bias pushes confidence close to 1, so the lever is near +1.
	writeModel(t, dir, "dca.json", `{
		"strategy": "DCA",
		"version": "3",
		"bias": 10.0,
		"weights": {"rsi_14": 0.0},
		"exits": {
			"take_profit_base": 0.04, "take_profit_scale": 0.01,
			"stop_loss_base": 0.06, "stop_loss_scale": 0.01,
			"hold_hours_base": 72, "hold_hours_scale": 24
		}
	}`)
	f, err := NewFilter(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	res := f.Score(settings.StrategyDCA, map[string]float64{"rsi_14": 30}, tierExits)
	if res.Confidence < 0.999 {
		t.Fatalf("confidence should saturate: %v", res.Confidence)
	}
	// High confidence widens the take profit and tightens the stop.
	if res.PredictedTakeProfit <= 0.04 || res.PredictedTakeProfit > 0.05 {
		t.Errorf("predicted tp: %v", res.PredictedTakeProfit)
	}
	if res.PredictedStopLoss >= 0.06 || res.PredictedStopLoss < 0.05 {
		t.Errorf("predicted sl: %v", res.PredictedStopLoss)
	}
	if res.PredictedHoldHours <= 72 {
		t.Errorf("predicted hold hours: %v", res.PredictedHoldHours)
	}
}

func TestSizeMultiplierClamp(t *testing.T) {
	cases := []struct {
		conf float64
		want float64
	}{
		{0.0, 0.5},
		{0.4, 0.9},
		{1.0, 1.5},
	}
	for _, tc := range cases {
		if got := clamp(0.5+tc.conf, 0.5, 1.5); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("conf %v: want %v, got %v", tc.conf, tc.want, got)
		}
	}
}
