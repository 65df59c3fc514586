// Command simulate drops many balls through the configured board offline
// and prints the landing distribution and the realised return.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/fheplinko/backend/internal/config"
	"github.com/fheplinko/backend/internal/game"
	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Tally is the aggregate of a batch of drops.
type Tally struct {
	Counts  []int
	Stalled int
	Ticks   int
	Return  decimal.Decimal // sum of multipliers
}

func (t Tally) Drops() int {
	n := 0
	for _, c := range t.Counts {
		n += c
	}
	return n
}

// RTP is the mean multiplier over all drops.
func (t Tally) RTP() decimal.Decimal {
	n := t.Drops()
	if n == 0 {
		return decimal.Zero
	}
	return t.Return.Div(decimal.NewFromInt(int64(n))).Round(4)
}

// seedFor gives drop i its own seed so results do not depend on how the
// drops are split across workers.
func seedFor(base game.Seed, i int) game.Seed {
	return game.Seed{Hi: base.Hi ^ uint64(i)*0x9e3779b97f4a7c15, Lo: base.Lo + uint64(i)}
}

// Run drops n balls on up to workers goroutines.
func Run(ctx context.Context, board *game.Board, params game.PhysicsParams, base game.Seed, n, workers int) (Tally, error) {
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers
	partial := make([]Tally, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, n)
		if lo >= hi {
			break
		}
		g.Go(func() error {
			t := Tally{Counts: make([]int, len(board.Slots)), Return: decimal.Zero}
			for i := lo; i < hi; i++ {
				if i%1024 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				pe := game.NewPhysicsEngine(board, params, seedFor(base, i))
				if err := pe.DropRandom(); err != nil {
					return fmt.Errorf("drop %d: %w", i, err)
				}
				res := pe.Simulate()
				t.Counts[res.Slot]++
				t.Ticks += res.Ticks
				t.Return = t.Return.Add(res.Multiplier)
				if res.Stalled {
					t.Stalled++
				}
			}
			partial[w] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Tally{}, err
	}

	total := Tally{Counts: make([]int, len(board.Slots)), Return: decimal.Zero}
	for _, t := range partial {
		for i, c := range t.Counts {
			total.Counts[i] += c
		}
		total.Stalled += t.Stalled
		total.Ticks += t.Ticks
		total.Return = total.Return.Add(t.Return)
	}
	return total, nil
}

func main() {
	drops := flag.Int("n", 10000, "number of balls to drop")
	workers := flag.Int("workers", 4, "parallel simulation workers")
	boardPath := flag.String("board", os.Getenv("BOARD_CONFIG"), "board YAML override")
	seedFlag := flag.String("seed", "", "base seed as 32 hex digits (random if empty)")
	flag.Parse()

	logger := slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))

	bc, err := config.LoadBoard(*boardPath)
	if err != nil {
		logger.Error("invalid board", "err", err)
		os.Exit(1)
	}

	base := game.RandomSeed()
	if *seedFlag != "" {
		if base, err = game.ParseSeed(*seedFlag); err != nil {
			logger.Error("invalid seed", "err", err)
			os.Exit(1)
		}
	}
	if *drops < 1 {
		logger.Error("need at least one drop", "n", *drops)
		os.Exit(1)
	}

	logger.Info("simulating", "drops", *drops, "workers", *workers, "seed", base.String(),
		"rows", bc.Board.Rows, "slots", len(bc.Board.Slots))

	spinner, _ := pterm.DefaultSpinner.Start("Dropping balls...")
	tally, err := Run(context.Background(), bc.Board, bc.Physics, base, *drops, *workers)
	if err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success("Done")

	bars := make(pterm.Bars, len(tally.Counts))
	rows := [][]string{{"Slot", "Multiplier", "Landed", "Share"}}
	for i, c := range tally.Counts {
		bars[i] = pterm.Bar{Label: bc.Board.Slots[i].Multiplier.String() + "x", Value: c}
		rows = append(rows, []string{
			strconv.Itoa(i),
			bc.Board.Slots[i].Multiplier.String(),
			strconv.Itoa(c),
			fmt.Sprintf("%.2f%%", 100*float64(c)/float64(*drops)),
		})
	}

	pterm.DefaultSection.Println("Landing distribution")
	if err := pterm.DefaultBarChart.WithBars(bars).WithShowValue().Render(); err != nil {
		logger.Warn("bar chart", "err", err)
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		logger.Warn("table", "err", err)
	}

	pterm.Info.Printfln("Return to player: %sx over %d drops", tally.RTP(), tally.Drops())
	pterm.Info.Printfln("Mean ticks per drop: %.1f", float64(tally.Ticks)/float64(tally.Drops()))
	if tally.Stalled > 0 {
		pterm.Warning.Printfln("%d drops hit the stall cap", tally.Stalled)
	}
}
