// Command simulate drives a rule set offline: it creates a session, replays
// a script of player inputs against it with a fixed randomness seed, and
// prints each step's decision record as a JSON line. Runs are reproducible:
// the same rule set, script and seed always print the same records.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/arbitergames/arbiter-server-go/internal/engine"
	"github.com/arbitergames/arbiter-server-go/internal/router"
	"github.com/arbitergames/arbiter-server-go/internal/ruleset"
	"github.com/arbitergames/arbiter-server-go/internal/state"
	"go.uber.org/zap"
)

var (
	rulesPath  = flag.String("rules", "", "path to the rule set JSON (required)")
	scriptPath = flag.String("script", "", "path to the input script JSON (optional)")
	players    = flag.String("players", "", "comma-separated player ids (required)")
	seed       = flag.Int64("seed", 1, "randomness seed")
	verbose    = flag.Bool("v", false, "log at debug level")
)

// scriptEntry is one scripted input: who acts and with what payload.
type scriptEntry struct {
	PlayerID string `json:"playerId"`
	Action   any    `json:"action"`
}

func main() {
	flag.Parse()
	if *rulesPath == "" || *players == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	data, err := os.ReadFile(*rulesPath)
	if err != nil {
		return err
	}
	rs, err := ruleset.Parse(data)
	if err != nil {
		return fmt.Errorf("parse rule set: %w", err)
	}

	var script []scriptEntry
	if *scriptPath != "" {
		raw, err := os.ReadFile(*scriptPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &script); err != nil {
			return fmt.Errorf("parse script: %w", err)
		}
	}

	ids := strings.Split(*players, ",")
	sess, err := engine.NewSession("simulation", rs, ids)
	if err != nil {
		return err
	}

	next := *seed
	eng := engine.New(engine.NewNullJudge(logger), logger, engine.WithSeedFunc(func() (int64, error) {
		next++
		return next, nil
	}))

	ctx := context.Background()
	out := json.NewEncoder(os.Stdout)

	emit := func(results []*engine.StepResult) error {
		for _, res := range results {
			if err := out.Encode(res); err != nil {
				return err
			}
		}
		return nil
	}

	// Initialization plus any leading automatic transitions.
	results, err := eng.Advance(ctx, sess, nil)
	if err != nil {
		return err
	}
	if err := emit(results); err != nil {
		return err
	}

	for i, entry := range script {
		if sess.State.GetBool(state.PathGameEnded) {
			logger.Info("game ended before script was exhausted", zap.Int("remaining", len(script)-i))
			break
		}
		results, err := eng.Advance(ctx, sess, &router.PlayerInput{
			PlayerID: entry.PlayerID,
			Action:   entry.Action,
		})
		if err != nil {
			return err
		}
		if err := emit(results); err != nil {
			return err
		}
	}

	phase := sess.State.GetString(state.PathCurrentPhase)
	ended := sess.State.GetBool(state.PathGameEnded)
	logger.Info("simulation finished",
		zap.String("phase", phase),
		zap.Bool("ended", ended),
	)
	return nil
}
