package ui

import (
	"math"
	"time"

	"github.com/charmbracelet/harmonica"
)

// FrameInterval is the animation tick of the live view.
const FrameInterval = time.Second / 60

const settleEpsilon = 0.001

// Smoother eases the bar fill toward the latest reported percentage so
// bursts of progress lines do not make the bar jump.
type Smoother struct {
	spring   harmonica.Spring
	position float64
	velocity float64
	target   float64
}

// NewSmoother returns a smoother at rest at zero.
func NewSmoother() *Smoother {
	return &Smoother{spring: harmonica.NewSpring(harmonica.FPS(60), 6.0, 0.8)}
}

// SetTarget moves the goal. Values are clamped to [0,1].
func (s *Smoother) SetTarget(target float64) {
	s.target = clamp(target)
}

// Snap jumps straight to the target.
func (s *Smoother) Snap() {
	s.position = s.target
	s.velocity = 0
}

// Step advances one frame and returns the new position.
func (s *Smoother) Step() float64 {
	if s.Settled() {
		s.Snap()
		return s.position
	}
	s.position, s.velocity = s.spring.Update(s.position, s.velocity, s.target)
	return clamp(s.position)
}

// Position is the current eased fill.
func (s *Smoother) Position() float64 {
	return clamp(s.position)
}

// Settled reports whether another Step would not visibly move the bar.
func (s *Smoother) Settled() bool {
	return math.Abs(s.target-s.position) < settleEpsilon && math.Abs(s.velocity) < settleEpsilon
}
