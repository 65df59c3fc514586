package game

import (
	"errors"
	"math"
	"math/rand/v2"

	"github.com/shopspring/decimal"
)

var (
	ErrBallInFlight = errors.New("a ball is already in flight on this engine")
	ErrRunResolved  = errors.New("run already settled")
	ErrInvalidDrop  = errors.New("drop state must be finite")
)

// Ball is the single live ball of a run.
type Ball struct {
	Position Vec2    `json:"position"`
	Velocity Vec2    `json:"velocity"`
	Radius   float64 `json:"radius"`
	Trail    []Vec2  `json:"trail"`
}

// CollisionEvent records a peg or wall contact during a tick.
type CollisionEvent struct {
	Tick   int     `json:"tick"`
	Type   string  `json:"type"`   // "peg" or "wall"
	Target int     `json:"target"` // peg index, or -1 left / 1 right / 0 top
	Speed  float64 `json:"speed"`
}

// Result is what a settled run hands back. The ball itself never leaves the
// engine.
type Result struct {
	Slot       int             `json:"slot"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Ticks      int             `json:"ticks"`
	FinalX     float64         `json:"final_x"`
	Stalled    bool            `json:"stalled,omitempty"`
}

// PhysicsParams are the per-run constants.
type PhysicsParams struct {
	Gravity      float64 `json:"gravity" yaml:"gravity"`
	Friction     float64 `json:"friction" yaml:"friction"`
	Damping      float64 `json:"damping" yaml:"damping"`
	BounceJitter float64 `json:"bounce_jitter" yaml:"bounce_jitter"`
	BallRadius   float64 `json:"ball_radius" yaml:"ball_radius"`
	DropSpread   float64 `json:"drop_spread" yaml:"drop_spread"`
	DropHeight   float64 `json:"drop_height" yaml:"drop_height"`
	DropVelocity float64 `json:"drop_velocity" yaml:"drop_velocity"`
	TrailCap     int     `json:"trail_cap" yaml:"trail_cap"`
	StallFactor  int     `json:"stall_factor" yaml:"stall_factor"`
}

func DefaultPhysicsParams() PhysicsParams {
	return PhysicsParams{
		Gravity:      Gravity,
		Friction:     Friction,
		Damping:      BounceDamping,
		BounceJitter: BounceJitter,
		BallRadius:   BallRadius,
		DropSpread:   DropSpread,
		DropHeight:   DropHeight,
		DropVelocity: DropVelocity,
		TrailCap:     TrailCapacity,
		StallFactor:  StallFactor,
	}
}

// Validate checks the constants against the ranges the integrator assumes.
func (p PhysicsParams) Validate() error {
	switch {
	case !(p.Gravity > 0) || math.IsInf(p.Gravity, 0):
		return configErr("gravity", "must be positive, got %v", p.Gravity)
	case !(p.Friction > 0 && p.Friction < 1):
		return configErr("friction", "must be in (0, 1), got %v", p.Friction)
	case !(p.Damping > 0 && p.Damping < 1):
		return configErr("damping", "must be in (0, 1), got %v", p.Damping)
	case p.BounceJitter < 0 || p.BounceJitter > math.Pi:
		return configErr("bounce_jitter", "must be in [0, pi], got %v", p.BounceJitter)
	case !(p.BallRadius > 0):
		return configErr("ball_radius", "must be positive, got %v", p.BallRadius)
	case p.DropSpread < 0 || p.DropVelocity < 0:
		return configErr("drop", "spread and velocity must not be negative")
	case p.TrailCap < 1:
		return configErr("trail_cap", "must be at least 1, got %d", p.TrailCap)
	case p.StallFactor < 1:
		return configErr("stall_factor", "must be at least 1, got %d", p.StallFactor)
	}
	return nil
}

// MaxTicks bounds a run using only board height and gravity: stallFactor
// times the ticks a frictionless free fall would need to cross the board.
func MaxTicks(height, gravity float64, stallFactor int) int {
	return stallFactor * int(math.Ceil(math.Sqrt(2*height/gravity)))
}

// PhysicsEngine steps one ball across one board. Each engine owns its
// random source, so concurrent engines never share state.
type PhysicsEngine struct {
	Board  *Board
	Params PhysicsParams
	Events []CollisionEvent

	rng      *rand.Rand
	ball     *Ball
	ticks    int
	maxTicks int
	resolved bool
	result   Result
}

// NewPhysicsEngine binds a board and a seed. Params are assumed validated.
func NewPhysicsEngine(board *Board, params PhysicsParams, seed Seed) *PhysicsEngine {
	return &PhysicsEngine{
		Board:    board,
		Params:   params,
		Events:   make([]CollisionEvent, 0),
		rng:      seed.Rand(),
		maxTicks: MaxTicks(board.Height, params.Gravity, params.StallFactor),
	}
}

// Drop places the ball. Only one ball may live on an engine, and a settled
// engine is never reused.
func (pe *PhysicsEngine) Drop(x, y, vx, vy float64) error {
	if pe.resolved {
		return ErrRunResolved
	}
	if pe.ball != nil {
		return ErrBallInFlight
	}
	pos, vel := Vec2{X: x, Y: y}, Vec2{X: vx, Y: vy}
	if !pos.IsFinite() || !vel.IsFinite() {
		return ErrInvalidDrop
	}
	pe.ball = &Ball{
		Position: pos,
		Velocity: vel,
		Radius:   pe.Params.BallRadius,
		Trail:    make([]Vec2, 0, pe.Params.TrailCap+1),
	}
	pe.clamp()
	return nil
}

// DropRandom drops near the top centre with a small random offset and
// sideways push drawn from the engine's own source.
func (pe *PhysicsEngine) DropRandom() error {
	x := pe.Board.Width/2 + (pe.rng.Float64()-0.5)*pe.Params.DropSpread
	vx := (pe.rng.Float64() - 0.5) * 2 * pe.Params.DropVelocity
	return pe.Drop(x, pe.Params.DropHeight, vx, 0)
}

// InFlight reports whether a ball is live.
func (pe *PhysicsEngine) InFlight() bool {
	return pe.ball != nil
}

// Resolved reports whether the run has settled.
func (pe *PhysicsEngine) Resolved() bool {
	return pe.resolved
}

func (pe *PhysicsEngine) Ticks() int {
	return pe.ticks
}

func (pe *PhysicsEngine) MaxTicks() int {
	return pe.maxTicks
}

// Step advances one tick. It reports true once the run has settled, after
// which it keeps returning the same result without touching any state.
func (pe *PhysicsEngine) Step() (Result, bool) {
	if pe.resolved {
		return pe.result, true
	}
	b := pe.ball
	if b == nil {
		return Result{}, false
	}
	pe.ticks++
	p := pe.Params

	// Gravity first, then friction on both axes.
	b.Velocity.Y += p.Gravity
	b.Velocity = b.Velocity.Times(p.Friction)

	b.Position = b.Position.Plus(b.Velocity)

	pe.resolvePegs()
	pe.clamp()

	b.Trail = append(b.Trail, b.Position)
	if len(b.Trail) > p.TrailCap {
		b.Trail = b.Trail[len(b.Trail)-p.TrailCap:]
	}

	if b.Position.Y > pe.Board.SettlementLine() {
		return pe.settle(false), true
	}
	if pe.ticks >= pe.maxTicks {
		return pe.settle(true), true
	}
	return Result{}, false
}

// Simulate steps until the run settles.
func (pe *PhysicsEngine) Simulate() Result {
	for {
		if res, done := pe.Step(); done {
			return res
		}
		if pe.ball == nil {
			return Result{}
		}
	}
}

// resolvePegs checks every peg in order. Overlaps are pushed out to exactly
// the contact distance and the velocity is redirected along the collision
// normal, perturbed by a symmetric random angle and scaled by damping.
func (pe *PhysicsEngine) resolvePegs() {
	b := pe.ball
	for i, peg := range pe.Board.Pegs {
		contact := b.Radius + peg.Radius
		delta := b.Position.Minus(peg.Position)
		d := delta.Magnitude()
		if d >= contact {
			continue
		}

		normal := Vec2{X: 0, Y: -1}
		if d > 0 {
			normal = delta.Normalize()
		}
		b.Position = peg.Position.Plus(normal.Times(contact))

		speed := b.Velocity.Magnitude()
		b.Velocity = normal.Rotate(pe.jitter()).Times(speed * pe.Params.Damping)

		pe.Events = append(pe.Events, CollisionEvent{Tick: pe.ticks, Type: "peg", Target: i, Speed: speed})
	}
}

func (pe *PhysicsEngine) jitter() float64 {
	if pe.Params.BounceJitter == 0 {
		return 0
	}
	return (pe.rng.Float64() - 0.5) * pe.Params.BounceJitter
}

// clamp keeps the ball inside the board. Side walls reflect vx with damping,
// the top edge reflects vy the same way, and the floor pins y to the board
// height so the ball never leaves the board even at extreme speeds.
func (pe *PhysicsEngine) clamp() {
	b := pe.ball
	w, h := pe.Board.Width, pe.Board.Height
	r := math.Min(b.Radius, w/2)

	if b.Position.X < r {
		b.Position.X = r
		b.Velocity.X = -b.Velocity.X * pe.Params.Damping
		pe.Events = append(pe.Events, CollisionEvent{Tick: pe.ticks, Type: "wall", Target: -1, Speed: math.Abs(b.Velocity.X)})
	} else if b.Position.X > w-r {
		b.Position.X = w - r
		b.Velocity.X = -b.Velocity.X * pe.Params.Damping
		pe.Events = append(pe.Events, CollisionEvent{Tick: pe.ticks, Type: "wall", Target: 1, Speed: math.Abs(b.Velocity.X)})
	}

	if b.Position.Y < 0 {
		b.Position.Y = 0
		b.Velocity.Y = -b.Velocity.Y * pe.Params.Damping
		pe.Events = append(pe.Events, CollisionEvent{Tick: pe.ticks, Type: "wall", Target: 0, Speed: math.Abs(b.Velocity.Y)})
	} else if b.Position.Y > h {
		b.Position.Y = h
	}
}

func (pe *PhysicsEngine) settle(stalled bool) Result {
	x := pe.ball.Position.X
	slot := pe.Board.SlotIndex(x)
	pe.result = Result{
		Slot:       slot,
		Multiplier: pe.Board.Slots[slot].Multiplier,
		Ticks:      pe.ticks,
		FinalX:     x,
		Stalled:    stalled,
	}
	pe.resolved = true
	pe.ball = nil
	return pe.result
}

// Frame is a read-only snapshot of the live ball for streaming.
type Frame struct {
	Tick     int     `json:"tick"`
	Position Vec2    `json:"position"`
	Velocity Vec2    `json:"velocity"`
	Trail    []Vec2  `json:"trail"`
	Settled  bool    `json:"settled"`
	Slot     *int    `json:"slot,omitempty"`
	Speed    float64 `json:"speed"`
}

// Frame snapshots the current state. After settlement it carries the final
// slot instead of a trail.
func (pe *PhysicsEngine) Frame() Frame {
	if pe.resolved {
		slot := pe.result.Slot
		return Frame{
			Tick:     pe.ticks,
			Position: Vec2{X: pe.result.FinalX, Y: pe.Board.SettlementLine()},
			Settled:  true,
			Slot:     &slot,
		}
	}
	if pe.ball == nil {
		return Frame{Tick: pe.ticks}
	}
	trail := make([]Vec2, len(pe.ball.Trail))
	copy(trail, pe.ball.Trail)
	return Frame{
		Tick:     pe.ticks,
		Position: pe.ball.Position,
		Velocity: pe.ball.Velocity,
		Trail:    trail,
		Speed:    pe.ball.Velocity.Magnitude(),
	}
}
