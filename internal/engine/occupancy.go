package engine

// Gate tracks room occupancy from motion-sensor edges and the manual
// override. A manual override to vacant latches out motion-driven
// re-assertion: the next motion occupied edge is consumed to clear the latch
// and later edges transition normally, so a sensor still seeing the occupant
// does not immediately fight a deliberate override.
//
// The gate only decides whether a transition to occupied happened; whether
// that transition may raise entering-level lighting is the engine's call
// (suppressed while a session is running).
type Gate struct {
	occupied bool
	latched  bool
}

// Occupied reports the current occupancy belief.
func (g *Gate) Occupied() bool {
	return g.occupied
}

// Motion processes a motion-sensor edge. Returns true when it transitions
// the room to occupied.
func (g *Gate) Motion(occupied bool) bool {
	if !occupied {
		g.occupied = false
		return false
	}
	if g.latched {
		// Consumed to clear the manual-vacant latch.
		g.latched = false
		return false
	}
	if g.occupied {
		return false
	}
	g.occupied = true
	return true
}

// Override applies the manual toggle. Returns true when it transitions the
// room to occupied.
func (g *Gate) Override(occupied bool) bool {
	if !occupied {
		g.occupied = false
		g.latched = true
		return false
	}
	g.latched = false
	if g.occupied {
		return false
	}
	g.occupied = true
	return true
}

// Suppress marks the room occupied without a lighting transition. Used when
// a session is evidently underway (activity already running at connect, or a
// hub-initiated start), which implies presence.
func (g *Gate) Suppress() {
	g.occupied = true
	g.latched = false
}
