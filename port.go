package dcflow

// port.go holds the representation of one side of a full-duplex link.
// A port tracks, per flow, the rate it is currently sending and the rate
// it is currently receiving.  Ports are held in an arena owned by the
// Network and are referred to by PortKey rather than by pointer, because
// the port <-> peer port relationship is cyclic.

import (
	"fmt"
	"sort"
)

// PortKey identifies a port by the node that owns it and the port's
// index on that node
type PortKey struct {
	Node NodeID `json:"node" yaml:"node"`
	Idx  int    `json:"idx" yaml:"idx"`
}

func (pk PortKey) String() string {
	return fmt.Sprintf("%d/%d", pk.Node, pk.Idx)
}

// noPort is the sentinel PortKey used where no peer is attached
var noPort = PortKey{Node: -1 << 30, Idx: -1}

// Port is one side of a link.  The two directions are independent:
// outgoingRateOf is what this side sends, incomingRateOf what it receives,
// and each is bounded by maxSpeed on its own.
type Port struct {
	key      PortKey
	maxSpeed DataRate

	// key of the port on the other end of the wire, noPort when unconnected
	peer      PortKey
	connected bool

	outgoingRateOf map[FlowID]DataRate
	incomingRateOf map[FlowID]DataRate

	// arrival order of flows first contending for this port's egress,
	// consulted by first-come-first-served allocation.  The order assigned
	// to a flow is stable until the flow is purged from the port.
	arrivalOrder map[FlowID]int64
	arrivalSeq   int64

	net *Network
}

// createPort is a constructor
func createPort(net *Network, key PortKey, maxSpeed DataRate) *Port {
	port := new(Port)
	port.key = key
	port.maxSpeed = maxSpeed
	port.peer = noPort
	port.outgoingRateOf = make(map[FlowID]DataRate)
	port.incomingRateOf = make(map[FlowID]DataRate)
	port.arrivalOrder = make(map[FlowID]int64)
	port.net = net
	return port
}

// Key returns the port's arena key
func (port *Port) Key() PortKey {
	return port.key
}

// MaxSpeed returns the link capacity of the port, identical in
// both directions
func (port *Port) MaxSpeed() DataRate {
	return port.maxSpeed
}

// Connected reports whether a peer port is attached
func (port *Port) Connected() bool {
	return port.connected
}

// Peer returns the key of the attached peer port.  Meaningful only
// when Connected reports true
func (port *Port) Peer() PortKey {
	return port.peer
}

// OutgoingRate returns the rate this port currently sends for the flow
func (port *Port) OutgoingRate(flowID FlowID) DataRate {
	return port.outgoingRateOf[flowID]
}

// IncomingRate returns the rate this port currently receives for the flow
func (port *Port) IncomingRate(flowID FlowID) DataRate {
	return port.incomingRateOf[flowID]
}

// TotalOutgoing sums the sending rates over all flows on the port
func (port *Port) TotalOutgoing() DataRate {
	var total DataRate
	for _, rate := range port.outgoingRateOf {
		total += rate
	}
	return roundRate(total)
}

// TotalIncoming sums the receiving rates over all flows on the port
func (port *Port) TotalIncoming() DataRate {
	var total DataRate
	for _, rate := range port.incomingRateOf {
		total += rate
	}
	return roundRate(total)
}

// ResidualOutCapacity returns the sending capacity not yet assigned to flows
func (port *Port) ResidualOutCapacity() DataRate {
	return maxRate(0, port.maxSpeed-port.TotalOutgoing())
}

// ResidualInCapacity returns the receiving capacity not yet in use
func (port *Port) ResidualInCapacity() DataRate {
	return maxRate(0, port.maxSpeed-port.TotalIncoming())
}

// outgoingFlowIDs lists the flows with an entry on the sending side,
// in increasing FlowID order so that iteration is reproducible
func (port *Port) outgoingFlowIDs() []FlowID {
	ids := make([]FlowID, 0, len(port.outgoingRateOf))
	for flowID := range port.outgoingRateOf {
		ids = append(ids, flowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// incomingFlowIDs lists the flows with an entry on the receiving side,
// in increasing FlowID order
func (port *Port) incomingFlowIDs() []FlowID {
	ids := make([]FlowID, 0, len(port.incomingRateOf))
	for flowID := range port.incomingRateOf {
		ids = append(ids, flowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// noteArrival assigns the flow its first-come position on this port's
// egress if it does not have one yet
func (port *Port) noteArrival(flowID FlowID) {
	if _, present := port.arrivalOrder[flowID]; present {
		return
	}
	port.arrivalSeq += 1
	port.arrivalOrder[flowID] = port.arrivalSeq
}

// SetOutgoingRate installs a new sending rate for one flow on this port.
// The caller is expected to have reconciled aggregate demand with capacity
// already (through the fairness policy); a write that raises the flow's
// rate and would push the sum past maxSpeed is an invariant violation and
// panics.  A reduction is always accepted, so a port whose capacity just
// shrank can be brought back under it one flow at a time.
//
// The write is propagated to the peer port's incoming side, and the peer's
// owning node is signaled so its update loop runs.
func (port *Port) SetOutgoingRate(flowID FlowID, rate DataRate) {
	rate = roundRate(rate)
	old := port.outgoingRateOf[flowID]
	if old.ApproxEqual(rate) && !(rate == 0 && old == 0) {
		return
	}

	sum := port.TotalOutgoing() - old + rate
	if rate > old && float64(sum) > float64(port.maxSpeed) && !approxEqual(float64(sum), float64(port.maxSpeed)) {
		panic(fmt.Errorf("capacity exceeded on port %s: %f > %f Kbps",
			port.key, sum.Kbps(), port.maxSpeed.Kbps()))
	}

	if rate == 0 {
		delete(port.outgoingRateOf, flowID)
	} else {
		port.outgoingRateOf[flowID] = rate
	}

	if !port.connected {
		return
	}
	peer := port.net.port(port.peer)
	peer.receiveRate(flowID, rate)
}

// receiveRate records the rate the peer is now sending for the flow and
// wakes this port's owning node
func (port *Port) receiveRate(flowID FlowID, rate DataRate) {
	old := port.incomingRateOf[flowID]
	if rate == 0 {
		delete(port.incomingRateOf, flowID)
	} else {
		port.incomingRateOf[flowID] = rate
	}
	if !old.ApproxEqual(rate) || (rate == 0 && old != 0) {
		port.net.signal(port.key.Node)
	}
}

// purgeFlow drops every trace of the flow from the port: both rate maps
// and the first-come position
func (port *Port) purgeFlow(flowID FlowID) {
	delete(port.outgoingRateOf, flowID)
	delete(port.incomingRateOf, flowID)
	delete(port.arrivalOrder, flowID)
}

// detach clears the peer linkage.  Rates already recorded are left to the
// owning nodes' update loops to zero out.
func (port *Port) detach() {
	port.peer = noPort
	port.connected = false
}
