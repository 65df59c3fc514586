package game

// Board and physics defaults for the 800x600 plinko board.
// These match the canvas constants the web client renders with.

const (
	BoardWidth      = 800.0
	BoardHeight     = 600.0
	DefaultRows     = 12
	PegSpacing      = 50.0
	RowSpacing      = 45.0
	TopMargin       = 100.0
	BaseRowCount    = 3 // pegs in the first row; row r holds r+3
	PegRadius       = 4.0
	SettlementBand  = 80.0
	SlotCount       = 15
	TrailCapacity   = 20
	DefaultTickRate = 16 // milliseconds per tick, ~60fps

	Gravity       = 0.3
	Friction      = 0.99
	BounceDamping = 0.7
	BounceJitter  = 0.5 // total width of the bounce angle perturbation, radians
	BallRadius    = 8.0
	DropSpread    = 50.0
	DropHeight    = 20.0
	DropVelocity  = 1.0 // |vx| bound at drop time
	StallFactor   = 40  // multiples of the free-fall tick count before a run is forced to settle
)

// DefaultMultipliers is the payout table, left to right.
var DefaultMultipliers = []string{
	"100", "50", "25", "10", "5", "2", "1.5", "1", "1.5", "2", "5", "10", "25", "50", "100",
}

// DefaultColors are the slot display colours, positional with DefaultMultipliers.
var DefaultColors = []string{
	"#dc2626", "#ea580c", "#d97706", "#ca8a04", "#65a30d",
	"#16a34a", "#059669", "#0891b2", "#0284c7", "#2563eb",
	"#4f46e5", "#7c3aed", "#9333ea", "#c026d3", "#dc2626",
}
