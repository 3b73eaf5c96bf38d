package dcflow

// node.go holds the network device representation and the per-node
// update engine.  A node exclusively owns its ports, its routing table
// and its flow handler; the only cross-node interaction is the rate a
// port writes to its peer, which lands as a signal on the peer owner's
// update channel.  Each signal is consumed by one update cycle:
// recompute the forwarding split for every flow the node relays, settle
// contention per port through the fairness policy, write the changed
// rates, and deliver throughput for flows that terminate here.

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

// NodeKind enumerates the device variants
type NodeKind int

const (
	// HostNode can source and sink flows
	HostNode NodeKind = iota
	// SwitchNode relays transit flows only
	SwitchNode
	// CoreSwitchNode is a switch that may additionally connect to the
	// internet node
	CoreSwitchNode
	// InternetNode is the abstract internet: unbounded port speed and an
	// elastic port count
	InternetNode
)

// NodeKindFromStr returns the NodeKind corresponding to a string name for it
func NodeKindFromStr(kind string) (NodeKind, error) {
	switch kind {
	case "host", "Host":
		return HostNode, nil
	case "switch", "Switch":
		return SwitchNode, nil
	case "core-switch", "CoreSwitch", "coreswitch":
		return CoreSwitchNode, nil
	case "internet", "Internet":
		return InternetNode, nil
	}
	return SwitchNode, fmt.Errorf("unrecognized node kind %s", kind)
}

// NodeKindToStr returns a string name corresponding to a NodeKind
func NodeKindToStr(kind NodeKind) string {
	switch kind {
	case HostNode:
		return "host"
	case SwitchNode:
		return "switch"
	case CoreSwitchNode:
		return "core-switch"
	case InternetNode:
		return "internet"
	}
	return "unknown"
}

// unboundedPortSpeed stands in for the internet node's link capacity.
// Finite so that rate sums stay well-formed, large enough never to be a
// bottleneck in any data-center scenario.
const unboundedPortSpeed = DataRate(1e15)

// Node is one device in the network: a host, switch, core switch, or the
// internet node
type Node struct {
	id     NodeID
	name   string
	kind   NodeKind
	groups []string

	portSpeed DataRate
	ports     []*Port

	routes   *RoutingTable
	flows    *FlowHandler
	forward  ForwardingPolicy
	fairness FairnessPolicy
	monitor  *EnergyMonitor

	// pending realizes the coalescing update channel of size one: any
	// number of signals collapse into a single queued wake-up
	pending bool
	inv     *Invalidator

	// per-port state remembered between cycles, to recognize the two
	// conditions that permit max-min to lower a granted allocation
	lastCapacity   map[PortKey]DataRate
	lastContending map[PortKey]string

	trace bool
	net   *Network
}

// createNode is the shared constructor behind the device variants
func createNode(net *Network, id NodeID, name string, kind NodeKind,
	numOfPorts int, portSpeed DataRate) *Node {

	nd := new(Node)
	nd.id = id
	nd.name = name
	nd.kind = kind
	nd.groups = []string{}
	nd.portSpeed = portSpeed
	nd.ports = make([]*Port, 0, numOfPorts)
	for idx := 0; idx < numOfPorts; idx += 1 {
		key := PortKey{Node: id, Idx: idx}
		nd.ports = append(nd.ports, createPort(net, key, portSpeed))
	}
	nd.routes = createRoutingTable(id)
	nd.flows = createFlowHandler()
	nd.forward = CreateStaticECMP()
	nd.fairness = CreateMaxMinFairness()
	nd.inv = createInvalidator(net.validator)
	nd.lastCapacity = make(map[PortKey]DataRate)
	nd.lastContending = make(map[PortKey]string)
	nd.net = net
	return nd
}

// ID returns the node's identifier
func (nd *Node) ID() NodeID {
	return nd.id
}

// Name returns the node's name
func (nd *Node) Name() string {
	return nd.name
}

// Kind returns the device variant
func (nd *Node) Kind() NodeKind {
	return nd.kind
}

// Ports returns the node's ports.  The internet node's slice grows as
// connections demand.
func (nd *Node) Ports() []*Port {
	return nd.ports
}

// RoutingTable exposes the node's routing table for inspection
func (nd *Node) RoutingTable() *RoutingTable {
	return nd.routes
}

// Flows exposes the node's flow handler for inspection
func (nd *Node) Flows() *FlowHandler {
	return nd.flows
}

// canEndFlows reports whether the node may source or sink flows
func (nd *Node) canEndFlows() bool {
	return nd.kind == HostNode || nd.kind == InternetNode
}

// freePort returns an unconnected port.  Only the internet node grows its
// port set when all existing ports are wired; every other kind has the
// fixed complement it was built with.
func (nd *Node) freePort() (*Port, error) {
	for _, port := range nd.ports {
		if !port.connected {
			return port, nil
		}
	}
	if nd.kind != InternetNode {
		return nil, fmt.Errorf("%w: node %s has no unconnected port", ErrNoFreePort, nd.name)
	}
	key := PortKey{Node: nd.id, Idx: len(nd.ports)}
	port := createPort(nd.net, key, nd.portSpeed)
	nd.ports = append(nd.ports, port)
	return port, nil
}

// matchParam decides whether a run-time parameter description applies to
// this node.  The attributes that can be tested are the node's name, a
// group it belongs to, and its kind.
func (nd *Node) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "name":
		return nd.name == attrbValue
	case "group":
		return slices.Contains(nd.groups, attrbValue)
	case "kind":
		return NodeKindToStr(nd.kind) == attrbValue
	}
	return false
}

// setParam assigns the named parameter.  Port speed changes mark every
// port's capacity as altered so the next fairness pass may reduce grants.
func (nd *Node) setParam(paramType string, value valueStruct) {
	switch paramType {
	case "portspeed":
		// parameter units are Kbps.  Both ends of a link see its capacity,
		// so the peers wake as well.
		speed := Kbps(value.floatValue)
		nd.portSpeed = speed
		for _, port := range nd.ports {
			port.maxSpeed = speed
			if port.connected {
				nd.net.signal(port.peer.Node)
			}
		}
		nd.net.signal(nd.id)
	case "fairness":
		policy := CreateFairnessPolicy(value.stringValue)
		if policy != nil {
			nd.fairness = policy
			nd.net.signal(nd.id)
		}
	case "trace":
		nd.trace = value.boolValue
	case "idlewatts", "maxwatts":
		if nd.monitor != nil {
			nd.monitor.setParam(paramType, value)
		}
	}
}

// paramObjName helps Node satisfy the paramObj interface
func (nd *Node) paramObjName() string {
	return nd.name
}

// adoptArrivingFlows registers flows that have started arriving on some
// port but are not yet in the handler: as consuming when this node is the
// flow's destination, as transit otherwise
func (nd *Node) adoptArrivingFlows() {
	for _, port := range nd.ports {
		for _, flowID := range port.incomingFlowIDs() {
			if nd.flows.Generating(flowID) || nd.flows.Consuming(flowID) || nd.flows.Transit(flowID) {
				continue
			}
			flow := nd.net.flow(flowID)
			if flow == nil {
				continue
			}
			if flow.destination == nd.id {
				nd.flows.AddConsuming(flow)
			} else {
				nd.flows.AddTransit(flow)
			}
		}
	}
}

// localDemand computes the rate this node wants to forward for the flow:
// the flow's demand at its source, the aggregate arriving rate at a
// transit node
func (nd *Node) localDemand(flow *NetFlow) DataRate {
	if nd.flows.Generating(flow.id) {
		if flow.stopped {
			return 0
		}
		return flow.demand
	}
	var arriving DataRate
	for _, port := range nd.ports {
		arriving += port.IncomingRate(flow.id)
	}
	return roundRate(arriving)
}

// contendingSignature encodes the set of flows claiming a port, so that a
// change in the set between cycles can be recognized
func contendingSignature(claims []FlowDemand) string {
	parts := make([]string, 0, len(claims))
	for _, fd := range claims {
		if fd.Demand.Positive() {
			parts = append(parts, fmt.Sprintf("%d", fd.ID))
		}
	}
	return strings.Join(parts, ",")
}

// relaxedFor reports whether the fairness policy may lower previously
// granted allocations on the port this cycle: only when the port's
// capacity decreased or the contending flow set changed
func (nd *Node) relaxedFor(port *Port, capacity DataRate, signature string) bool {
	relaxed := false
	if last, present := nd.lastCapacity[port.key]; present && capacity < last {
		relaxed = true
	}
	if nd.lastContending[port.key] != signature {
		relaxed = true
	}
	nd.lastCapacity[port.key] = capacity
	nd.lastContending[port.key] = signature
	return relaxed
}

// updateCycle consumes one wake-up: recompute the forwarding split and
// per-port fairness, write rate changes (which signal the peers), deliver
// throughput for flows terminating here, and purge drained flows
func (nd *Node) updateCycle() {
	nd.adoptArrivingFlows()

	// forwarding stage: intended per-port demand for every relayed flow
	claims := make(map[PortKey][]FlowDemand)
	forwarded := nd.flows.forwarded()
	for _, flow := range forwarded {
		nd.net.noteFlowRecompute(flow.id)
		demand := nd.localDemand(flow)

		var split map[PortKey]DataRate
		if demand.Positive() {
			split = nd.forward.Split(nd.routes, flow, demand)
			if split == nil && nd.trace {
				lg.WithField("node", nd.name).WithField("flow", flow.id).
					Debug("no route for forwarded flow")
			}
		}

		outFlow := &OutFlow{Flow: flow, PerPort: make(map[PortKey]DataRate)}
		for key, share := range split {
			outFlow.PerPort[key] = share
		}
		nd.flows.outgoing[flow.id] = outFlow

		for _, port := range nd.ports {
			share := outFlow.PerPort[port.key]
			if share.Positive() {
				port.noteArrival(flow.id)
			}
			claims[port.key] = append(claims[port.key],
				FlowDemand{ID: flow.id, Demand: share, Arrival: port.arrivalOrder[flow.id]})
		}
	}

	// fairness stage, port by port in index order
	for _, port := range nd.ports {
		portClaims := claims[port.key]
		sort.Slice(portClaims, func(i, j int) bool { return portClaims[i].ID < portClaims[j].ID })

		signature := contendingSignature(portClaims)

		// the usable egress capacity of a link is bounded by the slower
		// of its two ports
		capacity := port.maxSpeed
		if port.connected {
			capacity = minRate(capacity, nd.net.port(port.peer).maxSpeed)
		}
		relaxed := nd.relaxedFor(port, capacity, signature)

		prior := make(map[FlowID]DataRate, len(port.outgoingRateOf))
		for flowID, rate := range port.outgoingRateOf {
			prior[flowID] = rate
		}

		allocation := nd.fairness.Allocate(capacity, portClaims, prior, relaxed)

		// clear rates of flows that no longer claim this port
		for _, flowID := range port.outgoingFlowIDs() {
			if _, claimed := allocation[flowID]; !claimed {
				port.SetOutgoingRate(flowID, 0)
			}
		}

		for _, fd := range portClaims {
			granted := allocation[fd.ID]
			current := port.OutgoingRate(fd.ID)
			if !current.ApproxEqual(granted) {
				port.SetOutgoingRate(fd.ID, granted)
			}
			if of, present := nd.flows.outgoing[fd.ID]; present {
				if granted.Positive() {
					of.PerPort[port.key] = granted
				} else {
					delete(of.PerPort, port.key)
				}
			}
		}
	}

	// delivery stage: this node is the destination of its consuming flows
	for _, flow := range nd.flows.consumingFlows() {
		var delivered DataRate
		if flow.transmitter == nd.id {
			// self-loop: never touches a link
			if !flow.stopped {
				delivered = flow.demand
			}
		} else {
			for _, port := range nd.ports {
				delivered += port.IncomingRate(flow.id)
			}
		}
		flow.setThroughput(roundRate(delivered))
	}

	nd.purgeDrainedFlows()

	if nd.monitor != nil {
		nd.monitor.refresh(nd)
	}
}

// purgeDrainedFlows removes every trace of stopped flows whose rates have
// reached zero on this node
func (nd *Node) purgeDrainedFlows() {
	for _, flow := range append(nd.flows.forwarded(), nd.flows.consumingFlows()...) {
		if !flow.stopped {
			continue
		}
		var residual DataRate
		for _, port := range nd.ports {
			residual += port.IncomingRate(flow.id) + port.OutgoingRate(flow.id)
		}
		if residual.Positive() {
			continue
		}
		nd.flows.Remove(flow.id)
		for _, port := range nd.ports {
			port.purgeFlow(flow.id)
		}
	}
}

// throughputSummary aggregates the node's generating flows for telemetry:
// total demand, total achieved, and the per-flow ratio extremes
func (nd *Node) throughputSummary() (demand, achieved DataRate, minRatio, maxRatio, avgRatio *float64) {
	ids := make([]FlowID, 0, len(nd.flows.generating))
	for flowID := range nd.flows.generating {
		ids = append(ids, flowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var ratios []float64
	for _, flowID := range ids {
		flow := nd.flows.generating[flowID]
		if flow.stopped {
			continue
		}
		demand += flow.demand
		achieved += flow.throughput
		if r := ratioOrNil(flow.throughput, flow.demand); r != nil {
			ratios = append(ratios, *r)
		}
	}
	if len(ratios) == 0 {
		return demand, achieved, nil, nil, nil
	}
	mn, mx, sum := ratios[0], ratios[0], 0.0
	for _, r := range ratios {
		if r < mn {
			mn = r
		}
		if r > mx {
			mx = r
		}
		sum += r
	}
	avg := sum / float64(len(ratios))
	return demand, achieved, &mn, &mx, &avg
}
