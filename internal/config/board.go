package config

import (
	"fmt"
	"os"

	"github.com/fheplinko/backend/internal/game"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// BoardFile is the YAML shape of a board override. Zero fields keep the
// built-in defaults.
type BoardFile struct {
	Rows        int                 `yaml:"rows"`
	PegSpacing  float64             `yaml:"peg_spacing"`
	RowSpacing  float64             `yaml:"row_spacing"`
	Width       float64             `yaml:"width"`
	Height      float64             `yaml:"height"`
	TopMargin   float64             `yaml:"top_margin"`
	PegRadius   float64             `yaml:"peg_radius"`
	Band        float64             `yaml:"settlement_band"`
	SlotCount   int                 `yaml:"slot_count"`
	Multipliers []string            `yaml:"multipliers"`
	Colors      []string            `yaml:"colors"`
	Physics     *game.PhysicsParams `yaml:"physics"`
}

// BoardConfig is a generated board plus the physics it runs with.
type BoardConfig struct {
	Board   *game.Board
	Physics game.PhysicsParams
}

// LoadBoard builds the board from path, or the default board when path is
// empty. Any invalid value comes back as a *game.ConfigurationError.
func LoadBoard(path string) (*BoardConfig, error) {
	defaults := game.DefaultPhysicsParams()
	bf := BoardFile{Physics: &defaults}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read board config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &bf); err != nil {
			return nil, fmt.Errorf("parse board config: %w", err)
		}
	}
	return bf.Build()
}

// Build applies the file over the defaults and generates the board.
func (bf BoardFile) Build() (*BoardConfig, error) {
	layout := game.DefaultLayout()
	rows, pegSpacing, rowSpacing, width := game.DefaultRows, game.PegSpacing, game.RowSpacing, game.BoardWidth

	if bf.Rows != 0 {
		rows = bf.Rows
	}
	if bf.PegSpacing != 0 {
		pegSpacing = bf.PegSpacing
	}
	if bf.RowSpacing != 0 {
		rowSpacing = bf.RowSpacing
	}
	if bf.Width != 0 {
		width = bf.Width
	}
	if bf.Height != 0 {
		layout.Height = bf.Height
	}
	if bf.TopMargin != 0 {
		layout.TopMargin = bf.TopMargin
	}
	if bf.PegRadius != 0 {
		layout.PegRadius = bf.PegRadius
	}
	if bf.Band != 0 {
		layout.SettlementBand = bf.Band
	}
	if len(bf.Multipliers) > 0 {
		mults := make([]decimal.Decimal, len(bf.Multipliers))
		for i, m := range bf.Multipliers {
			d, err := decimal.NewFromString(m)
			if err != nil {
				return nil, &game.ConfigurationError{Field: "multipliers", Reason: fmt.Sprintf("entry %d: %v", i, err)}
			}
			mults[i] = d
		}
		layout.Multipliers = mults
		layout.SlotCount = len(mults)
		layout.Colors = nil
	}
	if bf.SlotCount != 0 {
		layout.SlotCount = bf.SlotCount
	}
	if len(bf.Colors) > 0 {
		layout.Colors = bf.Colors
	}

	board, err := layout.Generate(rows, pegSpacing, rowSpacing, width)
	if err != nil {
		return nil, err
	}

	physics := game.DefaultPhysicsParams()
	if bf.Physics != nil {
		physics = *bf.Physics
	}
	if err := physics.Validate(); err != nil {
		return nil, err
	}

	return &BoardConfig{Board: board, Physics: physics}, nil
}
