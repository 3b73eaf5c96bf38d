package dcflow

// network.go holds the Network, which owns the nodes, the port arena
// view, the active flow registry, and the cooperative update executor.
// All node update loops are multiplexed on one queue drained by
// AwaitStability; the outer discrete-event simulator drives virtual time
// through the event manager the network was created with.

import (
	"errors"
	"fmt"
	"sort"

	"github.com/iti/evt/evtm"
)

// library-surface error kinds.  Internal invariant violations panic
// instead; the simulator is not expected to survive them.
var (
	ErrUnknownNode  = errors.New("unknown node")
	ErrUnknownFlow  = errors.New("unknown flow")
	ErrNoRoute      = errors.New("no route to destination")
	ErrNoFreePort   = errors.New("no free port")
	ErrNotEndpoint  = errors.New("node cannot terminate flows")
	ErrBadLink      = errors.New("link not permitted")
	ErrNotConverged = errors.New("update cycles exceeded convergence bound")
)

// defaultOscillationFactor scales the convergence bound: within one
// drain a single flow may have its allocation recomputed at most
// factor * diameter times before the drain is reported as runaway
// oscillation
const defaultOscillationFactor = 10

// Network owns a set of nodes and the flows traversing them
type Network struct {
	evtMgr *evtm.EventManager

	nodes      map[NodeID]*Node
	flows      map[FlowID]*NetFlow
	nextFlowID FlowID
	nextNodeID NodeID

	validator *NetworkStabilityValidator
	routing   *routingState
	recorder  *NetworkEnergyRecorder

	// updateQueue is the cooperative executor: node ids with a pending
	// wake-up, drained in FIFO order by AwaitStability
	updateQueue []NodeID

	oscillationFactor int
	converged         bool

	// per-flow recomputation counts within the current drain, and the
	// flow holding the running maximum; reset on quiescence
	flowCycles  map[FlowID]int
	busiestFlow FlowID
	worstCycles int

	instant func() float64
}

// CreateNetwork is a constructor.  The event manager supplies virtual
// time for energy integration and telemetry timestamps; traffic sources
// and experiment drivers schedule their events on the same manager.
func CreateNetwork(evtMgr *evtm.EventManager) *Network {
	net := new(Network)
	net.evtMgr = evtMgr
	net.nodes = make(map[NodeID]*Node)
	net.flows = make(map[FlowID]*NetFlow)
	net.validator = createStabilityValidator()
	net.routing = createRoutingState()
	net.oscillationFactor = defaultOscillationFactor
	net.converged = true
	net.flowCycles = make(map[FlowID]int)
	net.instant = func() float64 {
		if net.evtMgr == nil {
			return 0.0
		}
		return net.evtMgr.CurrentSeconds()
	}
	net.recorder = createEnergyRecorder(func() float64 { return net.instant() })

	// the internet node exists from the start; its ports are created on
	// demand as core switches attach
	internet := createNode(net, InternetID, "internet", InternetNode, 0, unboundedPortSpeed)
	internet.monitor = createEnergyMonitor(InternetID, defaultEnergyModelFor(InternetNode), net.recorder)
	net.nodes[InternetID] = internet
	return net
}

// defaultEnergyModelFor picks the model a node starts with; parameter
// overlays can replace coefficients or the model afterwards
func defaultEnergyModelFor(kind NodeKind) EnergyModel {
	switch kind {
	case HostNode:
		return CreateLinearEnergyModel(200, 400)
	case SwitchNode, CoreSwitchNode:
		return CreateLinearEnergyModel(150, 250)
	}
	return CreateConstantEnergyModel(0)
}

// EventManager returns the event manager the network was created with
func (net *Network) EventManager() *evtm.EventManager {
	return net.evtMgr
}

// Validator returns the network's stability validator
func (net *Network) Validator() *NetworkStabilityValidator {
	return net.validator
}

// EnergyRecorder returns the recorder integrating power over virtual time
func (net *Network) EnergyRecorder() *NetworkEnergyRecorder {
	return net.recorder
}

// SetInstantSource replaces the clock used for energy integration and
// telemetry timestamps
func (net *Network) SetInstantSource(clock func() float64) {
	net.instant = clock
}

// Now returns the current instant from the installed clock
func (net *Network) Now() float64 {
	return net.instant()
}

// SetOscillationFactor adjusts the convergence-guard multiplier
func (net *Network) SetOscillationFactor(factor int) {
	if factor > 0 {
		net.oscillationFactor = factor
	}
}

// addNodeWithID installs a node under the given id
func (net *Network) addNodeWithID(id NodeID, name string, kind NodeKind,
	numOfPorts int, portSpeed DataRate) (*Node, error) {

	if _, present := net.nodes[id]; present {
		return nil, fmt.Errorf("duplicate node id %d", id)
	}
	if len(name) == 0 {
		name = fmt.Sprintf("%s-%d", NodeKindToStr(kind), id)
	}
	nd := createNode(net, id, name, kind, numOfPorts, portSpeed)
	nd.monitor = createEnergyMonitor(id, defaultEnergyModelFor(kind), net.recorder)
	net.nodes[id] = nd
	if id >= net.nextNodeID {
		net.nextNodeID = id + 1
	}
	return nd, nil
}

// nextFreeNodeID yields an id not yet in use
func (net *Network) nextFreeNodeID() NodeID {
	id := net.nextNodeID
	for {
		if _, present := net.nodes[id]; !present {
			return id
		}
		id += 1
	}
}

// AddHost creates a host node with the given fixed port complement
func (net *Network) AddHost(name string, numOfPorts int, portSpeed DataRate) (*Node, error) {
	return net.addNodeWithID(net.nextFreeNodeID(), name, HostNode, numOfPorts, portSpeed)
}

// AddSwitch creates a transit-only switch
func (net *Network) AddSwitch(name string, numOfPorts int, portSpeed DataRate) (*Node, error) {
	return net.addNodeWithID(net.nextFreeNodeID(), name, SwitchNode, numOfPorts, portSpeed)
}

// AddCoreSwitch creates a switch that may connect to the internet node
func (net *Network) AddCoreSwitch(name string, numOfPorts int, portSpeed DataRate) (*Node, error) {
	return net.addNodeWithID(net.nextFreeNodeID(), name, CoreSwitchNode, numOfPorts, portSpeed)
}

// Internet returns the distinguished internet node
func (net *Network) Internet() *Node {
	return net.nodes[InternetID]
}

// GetNode looks a node up by id
func (net *Network) GetNode(id NodeID) *Node {
	return net.nodes[id]
}

// nodeIDs returns every node id in increasing order
func (net *Network) nodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(net.nodes))
	for id := range net.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// nodesInOrder returns every node in increasing id order
func (net *Network) nodesInOrder() []*Node {
	ids := net.nodeIDs()
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, net.nodes[id])
	}
	return nodes
}

// port resolves a key through the arena
func (net *Network) port(key PortKey) *Port {
	nd, present := net.nodes[key.Node]
	if !present || key.Idx < 0 || key.Idx >= len(nd.ports) {
		panic(fmt.Errorf("dangling port key %s", key))
	}
	return nd.ports[key.Idx]
}

// flow resolves an id, nil when unknown
func (net *Network) flow(id FlowID) *NetFlow {
	return net.flows[id]
}

// GetFlow looks an active flow up by id
func (net *Network) GetFlow(id FlowID) *NetFlow {
	return net.flows[id]
}

// ActiveFlowCount returns the number of registered flows, stopped flows
// still draining included
func (net *Network) ActiveFlowCount() int {
	return len(net.flows)
}

// Connect wires an unused port on each of the two nodes into a
// bidirectional link and re-advertises routes from both sides.  Only a
// core switch (or another internet attachment point) may face the
// internet node.
func (net *Network) Connect(a, b NodeID) (PortKey, PortKey, error) {
	ndA, present := net.nodes[a]
	if !present {
		return noPort, noPort, fmt.Errorf("%w: %d", ErrUnknownNode, a)
	}
	ndB, present := net.nodes[b]
	if !present {
		return noPort, noPort, fmt.Errorf("%w: %d", ErrUnknownNode, b)
	}
	if a == b {
		return noPort, noPort, fmt.Errorf("%w: node %d to itself", ErrBadLink, a)
	}
	if (ndA.kind == InternetNode && ndB.kind != CoreSwitchNode) ||
		(ndB.kind == InternetNode && ndA.kind != CoreSwitchNode) {
		return noPort, noPort, fmt.Errorf("%w: only core switches face the internet", ErrBadLink)
	}

	portA, err := ndA.freePort()
	if err != nil {
		return noPort, noPort, err
	}
	portB, err := ndB.freePort()
	if err != nil {
		return noPort, noPort, err
	}

	portA.peer = portB.key
	portA.connected = true
	portB.peer = portA.key
	portB.connected = true

	lg.WithField("a", ndA.name).WithField("b", ndB.name).Info("link up")
	net.topologyChanged()
	return portA.key, portB.key, nil
}

// Disconnect tears one link down: both sides are detached, receiving
// state for the severed wire is dropped, and routes re-advertise
func (net *Network) Disconnect(key PortKey) error {
	port := net.port(key)
	if !port.connected {
		return fmt.Errorf("%w: port %s is not connected", ErrBadLink, key)
	}
	peer := net.port(port.peer)

	// rates in flight over the wire vanish with it
	port.incomingRateOf = make(map[FlowID]DataRate)
	peer.incomingRateOf = make(map[FlowID]DataRate)

	port.detach()
	peer.detach()

	lg.WithField("port", key.String()).Info("link down")
	net.topologyChanged()
	return nil
}

// topologyChanged recomputes routing and wakes every node so flows are
// re-forwarded under the new tables; flows that previously had no route
// get their retry here
func (net *Network) topologyChanged() {
	net.rebuildRoutes()
	for _, id := range net.nodeIDs() {
		net.signal(id)
	}
}

// signal lands a wake-up on the node's coalescing update channel.  The
// first signal queues the node and raises its invalidation; further
// signals before the node runs collapse into the pending one.
func (net *Network) signal(id NodeID) {
	nd, present := net.nodes[id]
	if !present {
		return
	}
	nd.inv.Invalidate()
	if nd.pending {
		return
	}
	nd.pending = true
	net.updateQueue = append(net.updateQueue, id)
}

// nextFlowIDValue hands out the monotonically increasing flow ids.
// Exhaustion is fatal.
func (net *Network) nextFlowIDValue() FlowID {
	if net.nextFlowID >= maxFlowID {
		panic(fmt.Errorf("flow id space exhausted at %d", net.nextFlowID))
	}
	net.nextFlowID += 1
	return net.nextFlowID
}

// StartFlow registers a flow from src to dst with the given demand and
// injects it at the source.  The flow is registered even when the source
// currently has no route to the destination: it stays at zero throughput
// and is retried on the next topology change, with ErrNoRoute returned
// so the caller knows.
func (net *Network) StartFlow(src, dst NodeID, demand DataRate,
	onThroughputChange RateChangeHandler) (*NetFlow, error) {

	srcNode, present := net.nodes[src]
	if !present {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, src)
	}
	dstNode, present := net.nodes[dst]
	if !present {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, dst)
	}
	if !srcNode.canEndFlows() {
		return nil, fmt.Errorf("%w: %s", ErrNotEndpoint, srcNode.name)
	}
	if !dstNode.canEndFlows() {
		return nil, fmt.Errorf("%w: %s", ErrNotEndpoint, dstNode.name)
	}

	flow := createNetFlow(net.nextFlowIDValue(), src, dst, demand)
	if onThroughputChange != nil {
		flow.OnThroughputChange(onThroughputChange)
	}
	net.flows[flow.id] = flow
	srcNode.flows.AddGenerating(flow)
	if src == dst {
		srcNode.flows.AddConsuming(flow)
	}
	net.signal(src)

	lg.WithField("flow", flow.id).WithField("src", srcNode.name).
		WithField("dst", dstNode.name).WithField("kbps", demand.Kbps()).
		Info("flow start")

	if src != dst && !srcNode.routes.HasRoute(dst) {
		return flow, fmt.Errorf("%w: %s -> %s", ErrNoRoute, srcNode.name, dstNode.name)
	}
	return flow, nil
}

// FromInternet registers a flow sourced at the internet node
func (net *Network) FromInternet(dst NodeID, demand DataRate,
	onThroughputChange RateChangeHandler) (*NetFlow, error) {
	return net.StartFlow(InternetID, dst, demand, onThroughputChange)
}

// SetDemand changes a flow's demand and re-propagates from the source
func (net *Network) SetDemand(id FlowID, demand DataRate) error {
	flow, present := net.flows[id]
	if !present {
		return fmt.Errorf("%w: %d", ErrUnknownFlow, id)
	}
	flow.setDemand(demand)
	net.signal(flow.transmitter)
	return nil
}

// StopFlow tears a flow down: demand collapses to zero and the nodes on
// its path purge it as the zero rates propagate through
func (net *Network) StopFlow(id FlowID) error {
	flow, present := net.flows[id]
	if !present {
		return fmt.Errorf("%w: %d", ErrUnknownFlow, id)
	}
	flow.stopped = true
	flow.setDemand(0)
	net.signal(flow.transmitter)
	net.signal(flow.destination)

	lg.WithField("flow", id).Info("flow stop")
	return nil
}

// noteFlowRecompute counts one recomputation of the flow's allocation
// during the current drain; the running maximum feeds the oscillation
// guard
func (net *Network) noteFlowRecompute(flowID FlowID) {
	net.flowCycles[flowID] += 1
	if net.flowCycles[flowID] > net.worstCycles {
		net.worstCycles = net.flowCycles[flowID]
		net.busiestFlow = flowID
	}
}

// resetFlowCycles discards the per-flow recomputation counts at the end
// of a drain
func (net *Network) resetFlowCycles() {
	net.flowCycles = make(map[FlowID]int)
	net.worstCycles = 0
	net.busiestFlow = 0
}

// AwaitStability drains the cooperative update queue until every node's
// channel is empty, i.e. until the invalidation count reaches zero.
// Calling it on a stable network returns without work.  A drain in which
// any single flow's allocation is recomputed more than factor * diameter
// times is runaway oscillation: the queue is abandoned, every node's
// invalidation is cleared, and ErrNotConverged is reported; the network
// state remains inspectable but the next snapshot is marked
// non-converged.
func (net *Network) AwaitStability() error {
	// per-flow recomputation budget within this drain
	bound := net.oscillationFactor * net.Diameter()
	worked := false

	for len(net.updateQueue) > 0 {
		worked = true
		id := net.updateQueue[0]
		net.updateQueue = net.updateQueue[1:]
		nd := net.nodes[id]

		// consuming the signal empties the size-one channel; writes made
		// during the cycle may queue the node again
		nd.pending = false
		nd.updateCycle()
		if !nd.pending {
			nd.inv.Validate()
		}

		if net.worstCycles > bound {
			lg.WithField("flow", net.busiestFlow).
				WithField("recomputes", net.worstCycles).
				Warn("per-flow convergence bound exceeded, abandoning drain")
			for _, qid := range net.updateQueue {
				net.nodes[qid].pending = false
			}
			net.updateQueue = net.updateQueue[:0]

			// validating every node clears the outstanding invalidations
			// and their holders' flags together, restoring the stable
			// state the next drain starts from
			for _, each := range net.nodesInOrder() {
				each.inv.Validate()
			}
			net.resetFlowCycles()
			net.converged = false
			return ErrNotConverged
		}
	}

	net.resetFlowCycles()
	net.pruneDrainedFlows()

	// an empty drain leaves the converged mark alone, so a snapshot taken
	// right after an abandoned drain still reports non-convergence
	if worked {
		net.converged = true
	}
	return nil
}

// pruneDrainedFlows forgets stopped flows once their teardown has fully
// quiesced
func (net *Network) pruneDrainedFlows() {
	for id, flow := range net.flows {
		if flow.stopped && !flow.throughput.Positive() {
			delete(net.flows, id)
		}
	}
}

// CheckStableWhile runs block inside the validator's should-be-stable
// guard
func (net *Network) CheckStableWhile(block func()) {
	net.validator.CheckStableWhile(block)
}
