package game

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ConfigurationError reports an invalid board or physics setup. It is only
// ever returned while building a board, never during a run.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid board configuration: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Peg is a fixed circular obstacle.
type Peg struct {
	Position Vec2    `json:"position"`
	Radius   float64 `json:"radius"`
}

// Slot is a landing zone covering [X, X+Width).
type Slot struct {
	Index      int             `json:"index"`
	X          float64         `json:"x"`
	Width      float64         `json:"width"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Color      string          `json:"color,omitempty"`
}

// Board is the immutable peg and slot geometry shared by every run.
type Board struct {
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	SettlementBand float64 `json:"settlement_band"`
	PegRadius      float64 `json:"peg_radius"`
	Rows           int     `json:"rows"`
	Pegs           []Peg   `json:"pegs"`
	Slots          []Slot  `json:"slots"`
}

// Layout carries the parts of a board that do not change with row count
// or spacing.
type Layout struct {
	Height         float64
	TopMargin      float64
	PegRadius      float64
	SettlementBand float64
	BaseRowCount   int
	SlotCount      int
	Multipliers    []decimal.Decimal
	Colors         []string
}

// DefaultLayout returns the 15-slot layout the client ships with.
func DefaultLayout() Layout {
	mults := make([]decimal.Decimal, len(DefaultMultipliers))
	for i, m := range DefaultMultipliers {
		mults[i] = decimal.RequireFromString(m)
	}
	colors := make([]string, len(DefaultColors))
	copy(colors, DefaultColors)
	return Layout{
		Height:         BoardHeight,
		TopMargin:      TopMargin,
		PegRadius:      PegRadius,
		SettlementBand: SettlementBand,
		BaseRowCount:   BaseRowCount,
		SlotCount:      SlotCount,
		Multipliers:    mults,
		Colors:         colors,
	}
}

// DefaultBoard builds the standard 12-row board.
func DefaultBoard() *Board {
	b, err := DefaultLayout().Generate(DefaultRows, PegSpacing, RowSpacing, BoardWidth)
	if err != nil {
		panic(err)
	}
	return b
}

func (l Layout) validate() error {
	if l.Height <= 0 || math.IsInf(l.Height, 0) || math.IsNaN(l.Height) {
		return configErr("height", "must be positive, got %v", l.Height)
	}
	if l.TopMargin < 0 {
		return configErr("top_margin", "must not be negative, got %v", l.TopMargin)
	}
	if l.PegRadius <= 0 {
		return configErr("peg_radius", "must be positive, got %v", l.PegRadius)
	}
	if l.SettlementBand <= 0 || l.SettlementBand >= l.Height {
		return configErr("settlement_band", "must be in (0, height), got %v", l.SettlementBand)
	}
	if l.BaseRowCount < 1 {
		return configErr("base_row_count", "must be at least 1, got %d", l.BaseRowCount)
	}
	if l.SlotCount < 1 {
		return configErr("slot_count", "must be at least 1, got %d", l.SlotCount)
	}
	if len(l.Multipliers) != l.SlotCount {
		return configErr("multipliers", "table has %d entries, slot count is %d", len(l.Multipliers), l.SlotCount)
	}
	for i, m := range l.Multipliers {
		if m.IsNegative() {
			return configErr("multipliers", "entry %d is negative (%s)", i, m)
		}
		// Ledger credits are settled in hundredths.
		if !m.Equal(m.Round(2)) {
			return configErr("multipliers", "entry %d has more than two decimal places (%s)", i, m)
		}
	}
	if len(l.Colors) != 0 && len(l.Colors) != l.SlotCount {
		return configErr("colors", "table has %d entries, slot count is %d", len(l.Colors), l.SlotCount)
	}
	return nil
}

// Generate lays out pegs and slots. Row r holds r+BaseRowCount pegs centred
// on the board, pegSpacing apart, at TopMargin + r*rowSpacing. Slots split
// the width evenly and take their multiplier and colour by position.
func (l Layout) Generate(rows int, pegSpacing, rowSpacing, boardWidth float64) (*Board, error) {
	if rows < 1 {
		return nil, configErr("rows", "must be at least 1, got %d", rows)
	}
	if !(pegSpacing > 0) || math.IsInf(pegSpacing, 0) {
		return nil, configErr("peg_spacing", "must be positive, got %v", pegSpacing)
	}
	if !(rowSpacing > 0) || math.IsInf(rowSpacing, 0) {
		return nil, configErr("row_spacing", "must be positive, got %v", rowSpacing)
	}
	if !(boardWidth > 0) || math.IsInf(boardWidth, 0) {
		return nil, configErr("board_width", "must be positive, got %v", boardWidth)
	}
	if err := l.validate(); err != nil {
		return nil, err
	}

	board := &Board{
		Width:          boardWidth,
		Height:         l.Height,
		SettlementBand: l.SettlementBand,
		PegRadius:      l.PegRadius,
		Rows:           rows,
	}

	centre := boardWidth / 2
	for r := 0; r < rows; r++ {
		count := r + l.BaseRowCount
		startX := centre - float64(count-1)*pegSpacing/2
		y := l.TopMargin + float64(r)*rowSpacing
		for i := 0; i < count; i++ {
			board.Pegs = append(board.Pegs, Peg{
				Position: Vec2{X: startX + float64(i)*pegSpacing, Y: y},
				Radius:   l.PegRadius,
			})
		}
	}

	n := l.SlotCount
	board.Slots = make([]Slot, n)
	for i := 0; i < n; i++ {
		// Edges are computed from the same expression on both sides so
		// neighbouring slots share them bit for bit.
		start := boardWidth * float64(i) / float64(n)
		end := boardWidth * float64(i+1) / float64(n)
		if i == n-1 {
			end = boardWidth
		}
		slot := Slot{
			Index:      i,
			X:          start,
			Width:      end - start,
			Multiplier: l.Multipliers[i],
		}
		if len(l.Colors) == n {
			slot.Color = l.Colors[i]
		}
		board.Slots[i] = slot
	}

	return board, nil
}

// SlotWidth is the nominal width of each slot.
func (b *Board) SlotWidth() float64 {
	return b.Width / float64(len(b.Slots))
}

// SlotIndex maps a horizontal position to clamp(floor(x / slotWidth), 0, n-1).
func (b *Board) SlotIndex(x float64) int {
	n := len(b.Slots)
	if math.IsNaN(x) {
		return n / 2
	}
	f := math.Floor(x / b.SlotWidth())
	if f < 0 {
		return 0
	}
	if f > float64(n-1) {
		return n - 1
	}
	return int(f)
}

// Multipliers returns a copy of the payout table in slot order.
func (b *Board) Multipliers() []decimal.Decimal {
	out := make([]decimal.Decimal, len(b.Slots))
	for i, s := range b.Slots {
		out[i] = s.Multiplier
	}
	return out
}

// SettlementLine is the y coordinate a ball must pass to settle.
func (b *Board) SettlementLine() float64 {
	return b.Height - b.SettlementBand
}
