package learning

// reflector.go: post-run reflection. After each run the reflector reads
// the finalized packets, scores the policy's beliefs against what the
// trades realized, and nudges the calibration blob the policy reads on
// the next cycle. Updates are tiny and bounded; one bad run cannot swing
// the strategy.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/agenttime/agenttime/internal/domain"
	"github.com/agenttime/agenttime/internal/ports"
)

// calibration mirrors the policy's strategy-state payload.
type calibration struct {
	Temperature float64 `json:"temperature"`
	Bias        float64 `json:"bias"`
	Samples     int     `json:"samples"`
}

const (
	defaultTemperature = 0.92
	learningRate       = 0.02
	minTemperature     = 0.5
	maxTemperature     = 1.5
	maxBias            = 0.5
	lookback           = 200
)

// Reflector updates the strategy state from audit history.
type Reflector struct {
	store ports.Storage
}

// New creates a reflector over the audit store.
func New(store ports.Storage) *Reflector {
	return &Reflector{store: store}
}

// Reflect scores recent traded packets and writes an updated strategy
// state. Nothing to learn from is not an error; the state is left as is.
func (r *Reflector) Reflect(ctx context.Context) error {
	state, err := r.store.LoadStrategyState(ctx)
	if err != nil {
		return fmt.Errorf("learning.Reflect: load state: %w", err)
	}

	cal := calibration{Temperature: defaultTemperature}
	if len(state.Data) > 0 {
		if err := json.Unmarshal(state.Data, &cal); err != nil {
			slog.Warn("learning: strategy state unreadable, resetting", "version", state.Version, "err", err)
			cal = calibration{Temperature: defaultTemperature}
		}
	}

	packets, err := r.store.RecentPackets(ctx, lookback)
	if err != nil {
		return fmt.Errorf("learning.Reflect: load packets: %w", err)
	}

	var biasGrad, tempGrad float64
	scored := 0
	for _, p := range packets {
		if !p.Traded() || p.Final.Kind != domain.ActionSell {
			continue
		}
		// The risk engine stamps the realized delta (proceeds minus the
		// released cost basis) on the packet when the fill commits. Won
		// sells say the belief pointed the right way; lost sells say it
		// was overconfident on that side.
		signed := math.Tanh(p.Execution.RealizedPnL / 20) // bounded score in (-1, 1)
		lean := p.Belief.Probability - 0.5
		biasGrad += signed * sign(lean) * math.Abs(lean)
		tempGrad += signed * math.Abs(lean)
		scored++
	}

	if scored == 0 {
		slog.Debug("learning: no settled trades to score")
		return nil
	}

	cal.Bias = clamp(cal.Bias+learningRate*biasGrad/float64(scored), -maxBias, maxBias)
	cal.Temperature = clamp(cal.Temperature+learningRate*tempGrad/float64(scored), minTemperature, maxTemperature)
	cal.Samples += scored

	data, err := json.Marshal(cal)
	if err != nil {
		return fmt.Errorf("learning.Reflect: encode: %w", err)
	}
	next := domain.StrategyState{
		Version:   state.Version + 1,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.store.SaveStrategyState(ctx, next); err != nil {
		return fmt.Errorf("learning.Reflect: save: %w", err)
	}

	slog.Info("learning: strategy state updated",
		"version", next.Version,
		"scored", scored,
		"temperature", fmt.Sprintf("%.3f", cal.Temperature),
		"bias", fmt.Sprintf("%.3f", cal.Bias),
	)
	return nil
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
