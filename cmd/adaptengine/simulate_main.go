package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelquant/adaptengine/internal/engine"
	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/signal"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

// runSimulate drives the engine with synthetic candidates in which the
// theme score genuinely predicts direction. Watching its weight pull
// away from the noise components is the quickest sanity check the
// learning loop works end to end.
func runSimulate(cmd *cobra.Command, args []string) error {
	trades, _ := cmd.Flags().GetInt("trades")
	seed, _ := cmd.Flags().GetInt64("seed")
	reportEvery, _ := cmd.Flags().GetInt("report-every")
	policyOn, _ := cmd.Flags().GetBool("policy")

	if trades <= 0 {
		return fmt.Errorf("trades must be positive, got %d", trades)
	}
	if reportEvery <= 0 {
		reportEvery = 50
	}

	cfg := engine.DefaultConfig()
	cfg.Seed = seed
	cfg.Control.Enabled = policyOn
	// Low bar so nearly every candidate converts into a learned trade.
	cfg.EntryThreshold = 0.10
	cfg.HoldThreshold = 0.05

	eng := engine.New(cfg)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(seed))

	fmt.Printf("simulating %d trades (seed %d, policy %v)\n\n", trades, seed, policyOn)
	printWeightsHeader()

	noise := []signal.Component{
		signal.ComponentTechnical,
		signal.ComponentModelConfidence,
		signal.ComponentSentiment,
		signal.ComponentEarnings,
		signal.ComponentInstitutionalFlow,
	}

	learned := 0
	skipped := 0
	wins := 0
	start := time.Now()

	for attempts := 0; learned < trades && attempts < trades*10; attempts++ {
		up := rng.Float64() < 0.55

		theme := 0.15 + 0.1*rng.Float64()
		ret := -(0.02 + 0.05*rng.Float64())
		if up {
			theme = 0.75 + 0.2*rng.Float64()
			ret = 0.02 + 0.05*rng.Float64()
		}

		scores := map[signal.Component]float64{signal.ComponentTheme: theme}
		for _, c := range noise {
			scores[c] = 0.2 + 0.6*rng.Float64()
		}

		d := eng.Decide(ctx, engine.DecideRequest{
			Symbol: fmt.Sprintf("SIM-%04d", attempts),
			Scores: scores,
			Features: signal.MarketFeatures{
				Breadth:       0.35 + 0.3*rng.Float64(),
				RealizedVol:   0.15 + 0.25*rng.Float64(),
				TrendStrength: -0.2 + 0.4*rng.Float64(),
				Dispersion:    0.2 + 0.3*rng.Float64(),
				Timestamp:     time.Now().UTC(),
			},
		})
		if d.Action != trade.ActionEnter {
			skipped++
			continue
		}

		out := trade.Outcome{
			DecisionID:   d.ID,
			Return:       ret,
			HoldingHours: 2 + 10*rng.Float64(),
			ClosedAt:     time.Now().UTC(),
		}
		if err := eng.LearnFromOutcome(ctx, d.ID, out); err != nil {
			return fmt.Errorf("learn failed on trade %d: %w", learned, err)
		}
		learned++
		if out.Win() {
			wins++
		}

		if learned%reportEvery == 0 {
			printWeightsRow(eng, learned)
		}
	}

	if learned%reportEvery != 0 {
		printWeightsRow(eng, learned)
	}

	diag := eng.Diagnostics()
	fmt.Printf("\nlearned %d trades in %s (%d skipped, %.0f%% wins)\n",
		learned, time.Since(start).Round(time.Millisecond), skipped, 100*float64(wins)/float64(max(learned, 1)))
	fmt.Printf("regime %s (confidence %.2f), breaker open=%v, policy episodes=%d\n",
		diag.Regime.Label, diag.Regime.Confidence, diag.Breaker.Open, diag.Policy.Episodes)

	fmt.Println("\nfinal weights by regime:")
	printWeightsHeader()
	for _, label := range regime.AllLabels() {
		printLabelRow(string(label), diag.Weights[label])
	}
	return nil
}

func printWeightsHeader() {
	fmt.Printf("%-16s %7s %7s %7s %7s %7s %7s\n",
		"", "theme", "tech", "model", "sent", "earn", "flow")
}

func printWeightsRow(eng *engine.Engine, learned int) {
	diag := eng.Diagnostics()
	printLabelRow(fmt.Sprintf("after %d", learned), diag.Weights[diag.Regime.Label])
}

func printLabelRow(label string, w map[signal.Component]float64) {
	fmt.Printf("%-16s %7.3f %7.3f %7.3f %7.3f %7.3f %7.3f\n",
		label,
		w[signal.ComponentTheme],
		w[signal.ComponentTechnical],
		w[signal.ComponentModelConfidence],
		w[signal.ComponentSentiment],
		w[signal.ComponentEarnings],
		w[signal.ComponentInstitutionalFlow],
	)
}
