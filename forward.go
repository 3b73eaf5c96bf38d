package dcflow

// forward.go holds the forwarding policy: the stage of a node's update
// cycle that partitions one flow's local demand across the candidate
// next-hop ports found in the routing table.  Capacity is not consulted
// here; reconciling aggregate demand with port speed is the fairness
// policy's job.

// ForwardingPolicy splits the demand of one flow across the equal-cost
// next hops toward its destination.  The returned map sums to the demand
// given, restricted to the routing table's next-hop set; a nil return
// marks the flow unroutable from this node.
type ForwardingPolicy interface {
	Name() string
	Split(routes *RoutingTable, flow *NetFlow, demand DataRate) map[PortKey]DataRate
}

// StaticECMP splits demand equally across all next hops.  The split is
// static in the sense that it ignores the current load of the candidate
// links; oversubscription is subsequently resolved per port by the
// fairness policy.
type StaticECMP struct{}

// CreateStaticECMP is a constructor
func CreateStaticECMP() *StaticECMP {
	return new(StaticECMP)
}

// Name identifies the policy in telemetry and parameter files
func (ecmp *StaticECMP) Name() string {
	return "static-ecmp"
}

// Split partitions demand equally over the next hops toward the flow's
// destination.  Next hops arrive from the routing table already ordered
// by peer node id, so the assignment is reproducible.
func (ecmp *StaticECMP) Split(routes *RoutingTable, flow *NetFlow, demand DataRate) map[PortKey]DataRate {
	hops := routes.NextHops(flow.Destination())
	if len(hops) == 0 {
		return nil
	}

	split := make(map[PortKey]DataRate, len(hops))
	share := roundRate(demand / DataRate(len(hops)))
	for _, hop := range hops {
		split[hop] = share
	}
	return split
}
