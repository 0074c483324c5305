package core

// FluidNode is a lumped fluid control volume holding a single bulk mass.
//
// Overflow is represented rather than clamped: Mass may rise above Capacity
// and IsOverflowing reports the condition, so mass is conserved across the
// network regardless of flow rates.
type FluidNode struct {
	ID         string  `json:"ID"`
	Capacitive bool    `json:"Capacitive"`
	Mass       float64 `json:"Mass"`     // kg
	Capacity   float64 `json:"Capacity"` // kg

	// Per-step accumulators, reset by BeginStep.
	Influx  float64 `json:"Influx"`  // kg/s
	Outflux float64 `json:"Outflux"` // kg/s

	startMass float64
}

// NewFluidNode constructs a node whose current step starts at mass.
func NewFluidNode(id string, capacitive bool, mass, capacity float64) *FluidNode {
	return &FluidNode{
		ID:         id,
		Capacitive: capacitive,
		Mass:       mass,
		Capacity:   capacity,
		startMass:  mass,
	}
}

func (n *FluidNode) IsCapacitive() bool { return n.Capacitive }

// BeginStep snapshots the current mass as the start-of-step mass and clears
// the flux accumulators.
func (n *FluidNode) BeginStep() {
	n.startMass = n.Mass
	n.Influx = 0
	n.Outflux = 0
}

// StartMass returns the mass held at the start of the current step.
func (n *FluidNode) StartMass() float64 { return n.startMass }

// Deposit adds mass transported into the node over a step of length dt.
func (n *FluidNode) Deposit(mass, dt float64) {
	if mass <= 0 {
		return
	}
	n.Mass += mass
	if dt > 0 {
		n.Influx += mass / dt
	}
}

// Withdraw removes up to mass from the node and returns the amount actually
// removed. The requested amount is what counts towards Outflux.
func (n *FluidNode) Withdraw(mass, dt float64) float64 {
	if mass <= 0 {
		return 0
	}
	if dt > 0 {
		n.Outflux += mass / dt
	}
	taken := mass
	if taken > n.Mass {
		taken = n.Mass
	}
	if taken < 0 {
		taken = 0
	}
	n.Mass -= taken
	return taken
}

// IsOverflowing reports whether the start-of-step mass plus everything
// received during the step exceeds the node's capacity.
func (n *FluidNode) IsOverflowing(dt float64) bool {
	return n.startMass+n.Influx*dt > n.Capacity
}
