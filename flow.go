package dcflow

// flow.go holds the end-to-end flow object and the per-node registry of
// flows.  A NetFlow carries the rate its source wants to send (demand)
// and the rate actually delivered at the destination (throughput); both
// mutations notify registered observers synchronously.

import (
	"fmt"
	"math"
	"sort"
)

// NodeID identifies a node within one network
type NodeID int

// InternetID is the distinguished id of the abstract internet node
const InternetID NodeID = -1

// FlowID identifies a flow; ids are assigned monotonically by the Network
type FlowID int

// maxFlowID is the last assignable flow id.  Running past it is fatal:
// the counter is scoped to the Network and reset between simulator runs,
// so exhaustion indicates runaway flow creation
const maxFlowID = FlowID(math.MaxInt - 1)

// RateChangeHandler observes a demand or throughput mutation on a flow.
// Handlers run synchronously inside the update loop and must not mutate
// the network.
type RateChangeHandler func(flow *NetFlow, oldRate, newRate DataRate)

// NetFlow is one end-to-end flow from a transmitter to a destination
type NetFlow struct {
	id          FlowID
	transmitter NodeID
	destination NodeID

	demand     DataRate
	throughput DataRate

	// stopped marks a flow whose teardown is propagating; its demand is
	// pinned at zero and nodes purge its state as rates drain
	stopped bool

	demandHandlers     []RateChangeHandler
	throughputHandlers []RateChangeHandler
}

// createNetFlow is a constructor
func createNetFlow(id FlowID, transmitter, destination NodeID, demand DataRate) *NetFlow {
	flow := new(NetFlow)
	flow.id = id
	flow.transmitter = transmitter
	flow.destination = destination
	flow.demand = roundRate(demand)
	return flow
}

// ID returns the flow's identifier
func (flow *NetFlow) ID() FlowID {
	return flow.id
}

// Transmitter returns the id of the node that sources the flow
func (flow *NetFlow) Transmitter() NodeID {
	return flow.transmitter
}

// Destination returns the id of the node that sinks the flow
func (flow *NetFlow) Destination() NodeID {
	return flow.destination
}

// Demand returns the rate the transmitter wants to send
func (flow *NetFlow) Demand() DataRate {
	return flow.demand
}

// Throughput returns the rate currently delivered at the destination
func (flow *NetFlow) Throughput() DataRate {
	return flow.throughput
}

// Stopped reports whether the flow has been torn down
func (flow *NetFlow) Stopped() bool {
	return flow.stopped
}

// OnDemandChange registers an observer of demand mutations
func (flow *NetFlow) OnDemandChange(handler RateChangeHandler) {
	flow.demandHandlers = append(flow.demandHandlers, handler)
}

// OnThroughputChange registers an observer of throughput mutations
func (flow *NetFlow) OnThroughputChange(handler RateChangeHandler) {
	flow.throughputHandlers = append(flow.throughputHandlers, handler)
}

// setDemand mutates the demand and notifies observers.  Called by the
// flow's owner through the controller.
func (flow *NetFlow) setDemand(demand DataRate) {
	demand = roundRate(demand)
	if flow.demand == demand {
		return
	}
	old := flow.demand
	flow.demand = demand
	for _, handler := range flow.demandHandlers {
		handler(flow, old, demand)
	}
}

// setThroughput mutates the realized throughput and notifies observers.
// Called by the destination node when propagation reaches it.
func (flow *NetFlow) setThroughput(throughput DataRate) {
	throughput = roundRate(throughput)
	if flow.throughput == throughput {
		return
	}
	old := flow.throughput
	flow.throughput = throughput
	for _, handler := range flow.throughputHandlers {
		handler(flow, old, throughput)
	}
}

func (flow *NetFlow) String() string {
	return fmt.Sprintf("flow %d: %d->%d demand %.1f Kbps throughput %.1f Kbps",
		flow.id, flow.transmitter, flow.destination, flow.demand.Kbps(), flow.throughput.Kbps())
}

// OutFlow is a per-node aggregate of one flow currently leaving the node,
// with its split across the node's outgoing ports
type OutFlow struct {
	Flow    *NetFlow
	PerPort map[PortKey]DataRate
}

// Total sums the per-port rates the node currently sends for the flow
func (of *OutFlow) Total() DataRate {
	var total DataRate
	for _, rate := range of.PerPort {
		total += rate
	}
	return roundRate(total)
}

// FlowHandler is the per-node registry of flows the node participates in.
// The four indices are disjoint in role: a flow generated here appears in
// generating, a flow sunk here in consuming, a flow passing through in
// transit, and any flow the node currently forwards has an OutFlow record
// in outgoing.
type FlowHandler struct {
	generating map[FlowID]*NetFlow
	consuming  map[FlowID]*NetFlow
	transit    map[FlowID]*NetFlow
	outgoing   map[FlowID]*OutFlow
}

// createFlowHandler is a constructor
func createFlowHandler() *FlowHandler {
	fh := new(FlowHandler)
	fh.generating = make(map[FlowID]*NetFlow)
	fh.consuming = make(map[FlowID]*NetFlow)
	fh.transit = make(map[FlowID]*NetFlow)
	fh.outgoing = make(map[FlowID]*OutFlow)
	return fh
}

// AddGenerating registers a flow sourced at this node
func (fh *FlowHandler) AddGenerating(flow *NetFlow) {
	fh.generating[flow.id] = flow
}

// AddConsuming registers a flow sunk at this node
func (fh *FlowHandler) AddConsuming(flow *NetFlow) {
	fh.consuming[flow.id] = flow
}

// AddTransit registers a flow that arrives on one port and departs
// on others
func (fh *FlowHandler) AddTransit(flow *NetFlow) {
	fh.transit[flow.id] = flow
}

// Generating reports whether the flow is sourced at this node
func (fh *FlowHandler) Generating(flowID FlowID) bool {
	_, present := fh.generating[flowID]
	return present
}

// Consuming reports whether the flow is sunk at this node
func (fh *FlowHandler) Consuming(flowID FlowID) bool {
	_, present := fh.consuming[flowID]
	return present
}

// Transit reports whether the flow passes through this node
func (fh *FlowHandler) Transit(flowID FlowID) bool {
	_, present := fh.transit[flowID]
	return present
}

// Remove drops the flow from every index
func (fh *FlowHandler) Remove(flowID FlowID) {
	delete(fh.generating, flowID)
	delete(fh.consuming, flowID)
	delete(fh.transit, flowID)
	delete(fh.outgoing, flowID)
}

// forwarded lists the flows this node originates or relays, in increasing
// FlowID order.  Consuming-only flows are excluded: the node terminates
// them rather than forwarding.
func (fh *FlowHandler) forwarded() []*NetFlow {
	byID := make(map[FlowID]*NetFlow)
	for flowID, flow := range fh.generating {
		byID[flowID] = flow
	}
	for flowID, flow := range fh.transit {
		byID[flowID] = flow
	}
	ids := make([]FlowID, 0, len(byID))
	for flowID := range byID {
		ids = append(ids, flowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	flows := make([]*NetFlow, 0, len(ids))
	for _, flowID := range ids {
		flows = append(flows, byID[flowID])
	}
	return flows
}

// consumingFlows lists the flows sunk at this node in increasing
// FlowID order
func (fh *FlowHandler) consumingFlows() []*NetFlow {
	ids := make([]FlowID, 0, len(fh.consuming))
	for flowID := range fh.consuming {
		ids = append(ids, flowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	flows := make([]*NetFlow, 0, len(ids))
	for _, flowID := range ids {
		flows = append(flows, fh.consuming[flowID])
	}
	return flows
}
