package dcflow

// energy.go holds power accounting: a pluggable model maps a node's
// observed state to an instantaneous draw, a per-node monitor recomputes
// the draw whenever the node's update loop completes a cycle, and a
// network-wide recorder integrates draw over virtual time into consumed
// energy.

import (
	"sort"
)

// NodeUsage is the slice of node state an energy model may consult
type NodeUsage struct {
	Kind        NodeKind
	Ports       int
	Throughput  DataRate // aggregate rate leaving the node
	Capacity    DataRate // aggregate port capacity
	ActiveFlows int
}

// EnergyModel is a pure function from node state to instantaneous power
type EnergyModel interface {
	Name() string
	Power(usage NodeUsage) Power
}

// ConstantEnergyModel draws the same power regardless of load
type ConstantEnergyModel struct {
	Watts Power
}

// CreateConstantEnergyModel is a constructor
func CreateConstantEnergyModel(watts Power) *ConstantEnergyModel {
	return &ConstantEnergyModel{Watts: watts}
}

func (m *ConstantEnergyModel) Name() string {
	return "constant"
}

func (m *ConstantEnergyModel) Power(usage NodeUsage) Power {
	return m.Watts
}

// LinearEnergyModel interpolates between an idle and a maximum draw by
// the node's utilization, the ratio of aggregate throughput to aggregate
// port capacity
type LinearEnergyModel struct {
	IdleWatts Power
	MaxWatts  Power
}

// CreateLinearEnergyModel is a constructor
func CreateLinearEnergyModel(idle, max Power) *LinearEnergyModel {
	return &LinearEnergyModel{IdleWatts: idle, MaxWatts: max}
}

func (m *LinearEnergyModel) Name() string {
	return "linear"
}

func (m *LinearEnergyModel) Power(usage NodeUsage) Power {
	if usage.Capacity <= 0 {
		return m.IdleWatts
	}
	util := float64(usage.Throughput) / float64(usage.Capacity)
	if util > 1.0 {
		util = 1.0
	}
	return m.IdleWatts + Power(util*float64(m.MaxWatts-m.IdleWatts))
}

// PowerChangeHandler observes a recomputation of a node's draw
type PowerChangeHandler func(nodeID NodeID, oldPower, newPower Power)

// EnergyMonitor watches one node.  Each completed update cycle triggers a
// recomputation of the instantaneous draw through the model; observers
// see the old/new pair, and the recorder integrates the old draw over the
// interval it was in force.
type EnergyMonitor struct {
	nodeID   NodeID
	model    EnergyModel
	current  Power
	handlers []PowerChangeHandler
	recorder *NetworkEnergyRecorder
}

// createEnergyMonitor is a constructor
func createEnergyMonitor(nodeID NodeID, model EnergyModel, recorder *NetworkEnergyRecorder) *EnergyMonitor {
	mon := new(EnergyMonitor)
	mon.nodeID = nodeID
	mon.model = model
	mon.recorder = recorder
	mon.current = model.Power(NodeUsage{})
	return mon
}

// CurrentPower returns the draw computed at the last refresh
func (mon *EnergyMonitor) CurrentPower() Power {
	return mon.current
}

// SetModel swaps the energy model; the next refresh applies it
func (mon *EnergyMonitor) SetModel(model EnergyModel) {
	mon.model = model
}

// OnPowerChange registers an observer of draw recomputations
func (mon *EnergyMonitor) OnPowerChange(handler PowerChangeHandler) {
	mon.handlers = append(mon.handlers, handler)
}

// setParam lets parameter overlays adjust linear model coefficients
func (mon *EnergyMonitor) setParam(paramType string, value valueStruct) {
	lin, ok := mon.model.(*LinearEnergyModel)
	if !ok {
		lin = CreateLinearEnergyModel(0, 0)
		mon.model = lin
	}
	switch paramType {
	case "idlewatts":
		lin.IdleWatts = Power(value.floatValue)
	case "maxwatts":
		lin.MaxWatts = Power(value.floatValue)
	}
}

// refresh recomputes the draw from the node's current state
func (mon *EnergyMonitor) refresh(nd *Node) {
	var throughput, capacity DataRate
	for _, port := range nd.ports {
		throughput += port.TotalOutgoing()
		capacity += port.maxSpeed
	}
	active := len(nd.flows.generating) + len(nd.flows.consuming) + len(nd.flows.transit)
	usage := NodeUsage{
		Kind:        nd.kind,
		Ports:       len(nd.ports),
		Throughput:  roundRate(throughput),
		Capacity:    capacity,
		ActiveFlows: active,
	}

	next := mon.model.Power(usage)
	if next == mon.current {
		if mon.recorder != nil {
			mon.recorder.observe(mon.nodeID, mon.current, mon.current)
		}
		return
	}
	old := mon.current
	mon.current = next
	if mon.recorder != nil {
		mon.recorder.observe(mon.nodeID, old, next)
	}
	for _, handler := range mon.handlers {
		handler(mon.nodeID, old, next)
	}
}

// NetworkEnergyRecorder integrates each node's draw over virtual time.
// The clock is whatever instant source the controller installed, by
// default the event manager's current time.
type NetworkEnergyRecorder struct {
	clock func() float64

	consumed map[NodeID]Energy
	lastSeen map[NodeID]float64
	power    map[NodeID]Power
}

// createEnergyRecorder is a constructor
func createEnergyRecorder(clock func() float64) *NetworkEnergyRecorder {
	rec := new(NetworkEnergyRecorder)
	rec.clock = clock
	rec.consumed = make(map[NodeID]Energy)
	rec.lastSeen = make(map[NodeID]float64)
	rec.power = make(map[NodeID]Power)
	return rec
}

// observe folds the interval since the node's last observation into its
// energy total at the draw that was in force, then adopts the new draw
func (rec *NetworkEnergyRecorder) observe(nodeID NodeID, oldPower, newPower Power) {
	now := rec.clock()
	last, present := rec.lastSeen[nodeID]
	if present && now > last {
		rec.consumed[nodeID] += Energy(float64(oldPower) * (now - last))
	}
	rec.lastSeen[nodeID] = now
	rec.power[nodeID] = newPower
}

// Consumed returns the energy integrated for the node so far, brought
// forward to the current instant
func (rec *NetworkEnergyRecorder) Consumed(nodeID NodeID) Energy {
	now := rec.clock()
	total := rec.consumed[nodeID]
	if last, present := rec.lastSeen[nodeID]; present && now > last {
		total += Energy(float64(rec.power[nodeID]) * (now - last))
	}
	return total
}

// TotalConsumed sums integrated energy over every observed node
func (rec *NetworkEnergyRecorder) TotalConsumed() Energy {
	ids := make([]NodeID, 0, len(rec.consumed))
	for nodeID := range rec.lastSeen {
		ids = append(ids, nodeID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var total Energy
	for _, nodeID := range ids {
		total += rec.Consumed(nodeID)
	}
	return total
}
