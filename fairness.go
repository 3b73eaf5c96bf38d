package dcflow

// fairness.go holds the fairness policies: given the set of flows
// contending for one outgoing port and the port's capacity, a policy
// assigns each flow a rate no greater than its demand, with the rates
// summing to no more than the capacity.

import (
	"sort"
)

// FlowDemand is one flow's claim on a port within a single update cycle
type FlowDemand struct {
	ID     FlowID
	Demand DataRate

	// Arrival is the flow's first-come position on the port, assigned
	// when the flow first contends and stable until it is purged
	Arrival int64
}

// FairnessPolicy reconciles the aggregate demand on one port with the
// port's capacity.  prior carries the allocations granted in the previous
// cycle; relaxed is true when the port's capacity decreased or the set of
// contending flows changed this cycle, the two conditions under which a
// policy may lower a previously granted allocation.
type FairnessPolicy interface {
	Name() string
	Allocate(capacity DataRate, demands []FlowDemand, prior map[FlowID]DataRate, relaxed bool) map[FlowID]DataRate
}

// FCFSFairness orders flows by arrival at the port and grants each its
// full demand until the capacity runs out; later flows receive zero.
type FCFSFairness struct{}

// CreateFCFSFairness is a constructor
func CreateFCFSFairness() *FCFSFairness {
	return new(FCFSFairness)
}

func (fcfs *FCFSFairness) Name() string {
	return "fcfs"
}

// Allocate grants demands in arrival order.  Flows that have claimed the
// port hold distinct arrival positions, but zero-share claims all carry
// position zero; the flow id breaks ties so the order is total.
func (fcfs *FCFSFairness) Allocate(capacity DataRate, demands []FlowDemand,
	prior map[FlowID]DataRate, relaxed bool) map[FlowID]DataRate {

	queue := make([]FlowDemand, len(demands))
	copy(queue, demands)
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].Arrival != queue[j].Arrival {
			return queue[i].Arrival < queue[j].Arrival
		}
		return queue[i].ID < queue[j].ID
	})

	allocation := make(map[FlowID]DataRate, len(queue))
	residual := capacity
	for _, fd := range queue {
		grant := minRate(fd.Demand, residual)
		if !grant.Positive() {
			grant = 0
		}
		allocation[fd.ID] = roundRate(grant)
		residual = roundRate(residual - grant)
	}
	return allocation
}

// MaxMinFairness is classical max-min allocation: all unsatisfied flows
// are raised equally until a flow reaches its demand or the capacity is
// exhausted.  Without the relaxed flag a previously granted allocation is
// never lowered; that floor damps oscillation while a rate change is
// still propagating through a multi-hop path.
type MaxMinFairness struct{}

// CreateMaxMinFairness is a constructor
func CreateMaxMinFairness() *MaxMinFairness {
	return new(MaxMinFairness)
}

func (mm *MaxMinFairness) Name() string {
	return "max-min"
}

// Allocate water-fills the capacity over the contending flows.  Each
// flow's allocation starts at its floor: zero when relaxed, otherwise the
// smaller of its prior grant and its current demand.  Flows are processed
// in flow-id order so that equal claims resolve identically on every run.
func (mm *MaxMinFairness) Allocate(capacity DataRate, demands []FlowDemand,
	prior map[FlowID]DataRate, relaxed bool) map[FlowID]DataRate {

	flows := make([]FlowDemand, len(demands))
	copy(flows, demands)
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })

	allocation := make(map[FlowID]DataRate, len(flows))
	var floored DataRate
	for _, fd := range flows {
		var floor DataRate
		if !relaxed {
			floor = minRate(prior[fd.ID], fd.Demand)
		}
		allocation[fd.ID] = floor
		floored += floor
	}

	// the floors can only exceed capacity if the caller failed to flag a
	// capacity drop; fall back to a clean fill rather than oversubscribe
	if float64(floored) > float64(capacity) && !approxEqual(float64(floored), float64(capacity)) {
		for _, fd := range flows {
			allocation[fd.ID] = 0
		}
		floored = 0
	}

	remaining := roundRate(capacity - floored)
	for remaining.Positive() {
		// flows still below their demand
		active := make([]FlowID, 0, len(flows))
		var minHeadroom DataRate
		for _, fd := range flows {
			headroom := roundRate(fd.Demand - allocation[fd.ID])
			if !headroom.Positive() {
				continue
			}
			if len(active) == 0 || headroom < minHeadroom {
				minHeadroom = headroom
			}
			active = append(active, fd.ID)
		}
		if len(active) == 0 {
			break
		}

		// raise every active flow by the equal share, or by the smallest
		// headroom if a flow saturates first
		step := minRate(roundRate(remaining/DataRate(len(active))), minHeadroom)
		if !step.Positive() {
			break
		}
		for _, flowID := range active {
			allocation[flowID] = roundRate(allocation[flowID] + step)
		}
		remaining = roundRate(remaining - step*DataRate(len(active)))
	}

	for flowID, rate := range allocation {
		allocation[flowID] = roundRate(rate)
	}
	return allocation
}

// fairnessByName maps the names accepted in parameter files to
// constructors, so experiments can select the discipline per node
var fairnessByName = map[string]func() FairnessPolicy{
	"fcfs":    func() FairnessPolicy { return CreateFCFSFairness() },
	"max-min": func() FairnessPolicy { return CreateMaxMinFairness() },
}

// CreateFairnessPolicy returns the named policy, or nil when the name is
// not recognized
func CreateFairnessPolicy(name string) FairnessPolicy {
	ctor, present := fairnessByName[name]
	if !present {
		return nil
	}
	return ctor()
}
