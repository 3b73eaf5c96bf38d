package dcflow

// routes.go maintains the shortest-path next-hop sets each node forwards
// with.  The approach mirrors classical link-state routing: the topology
// is converted into a graph-package representation, Dijkstra trees are
// computed (and cached) per destination, and every node's table keeps,
// for each destination, all next-hop ports that lie on some minimum-hop
// path.  Keeping every tie enables equal-cost multi-path forwarding.

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// RoutingTable is the per-node map from destination to the set of
// equal-cost next-hop ports
type RoutingTable struct {
	owner    NodeID
	nextHops map[NodeID][]PortKey
	distance map[NodeID]int
}

// createRoutingTable is a constructor
func createRoutingTable(owner NodeID) *RoutingTable {
	rt := new(RoutingTable)
	rt.owner = owner
	rt.nextHops = make(map[NodeID][]PortKey)
	rt.distance = make(map[NodeID]int)
	return rt
}

// NextHops returns the equal-cost next-hop ports toward the destination,
// ordered by peer node id.  The slice is shared; callers must not mutate it.
func (rt *RoutingTable) NextHops(dst NodeID) []PortKey {
	return rt.nextHops[dst]
}

// HasRoute reports whether at least one next hop toward dst is known
func (rt *RoutingTable) HasRoute(dst NodeID) bool {
	return len(rt.nextHops[dst]) > 0
}

// Distance returns the hop count to the destination, or -1 when
// unreachable
func (rt *RoutingTable) Distance(dst NodeID) int {
	dist, present := rt.distance[dst]
	if !present {
		return -1
	}
	return dist
}

// setRoute installs the advertisement outcome for one destination
func (rt *RoutingTable) setRoute(dst NodeID, dist int, hops []PortKey) {
	if len(hops) == 0 {
		delete(rt.nextHops, dst)
		delete(rt.distance, dst)
		return
	}
	rt.nextHops[dst] = hops
	rt.distance[dst] = dist
}

// clear drops every entry, ahead of a full recomputation
func (rt *RoutingTable) clear() {
	rt.nextHops = make(map[NodeID][]PortKey)
	rt.distance = make(map[NodeID]int)
}

// routingState is the network-wide side of routing: the graph-package
// representation of the topology and the cache of shortest-path trees
// rooted per destination
type routingState struct {
	connGraph *simple.WeightedUndirectedGraph

	// cachedSP saves the result of computing shortest-path trees.
	// The key is the destination the tree is rooted in.
	cachedSP map[NodeID]path.Shortest

	built    bool
	diameter int
}

// createRoutingState is a constructor
func createRoutingState() *routingState {
	rs := new(routingState)
	rs.cachedSP = make(map[NodeID]path.Shortest)
	return rs
}

// invalidate discards the graph and every cached tree; called on any
// topology change
func (rs *routingState) invalidate() {
	rs.connGraph = nil
	rs.cachedSP = make(map[NodeID]path.Shortest)
	rs.built = false
	rs.diameter = 0
}

// buildConnGraph converts the network's nodes and links into the
// graph-package representation, weighting each link by 1 so that a
// shortest path minimizes hop count
func (rs *routingState) buildConnGraph(net *Network) {
	rs.connGraph = simple.NewWeightedUndirectedGraph(0, math.Inf(1))

	for _, nodeID := range net.nodeIDs() {
		rs.connGraph.AddNode(simple.Node(int64(nodeID)))
	}

	// one graph edge per connected port pair.  Parallel links collapse to
	// one edge here; they are recovered as distinct next-hop ports below.
	for _, node := range net.nodesInOrder() {
		for _, port := range node.ports {
			if !port.connected {
				continue
			}
			peerID := port.peer.Node
			if peerID <= node.id {
				// the peer enumerated (or will enumerate) this edge
				continue
			}
			edge := simple.WeightedEdge{
				F: simple.Node(int64(node.id)),
				T: simple.Node(int64(peerID)),
				W: 1.0,
			}
			rs.connGraph.SetWeightedEdge(edge)
		}
	}
	rs.built = true
}

// spTreeFor returns the shortest-path tree rooted in the destination,
// computing and caching it on first use
func (rs *routingState) spTreeFor(dst NodeID) path.Shortest {
	spTree, present := rs.cachedSP[dst]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(rs.connGraph.Node(int64(dst)), rs.connGraph)
	rs.cachedSP[dst] = spTree
	return spTree
}

// rebuildRoutes recomputes every node's routing table from scratch.
// For a node n and destination D, the next hops retained are exactly the
// connected ports whose peer sits one hop closer to D than n does: the
// minimum-distance advertisements, with all ties kept.
func (net *Network) rebuildRoutes() {
	rs := net.routing
	rs.invalidate()
	rs.buildConnGraph(net)

	destinations := net.nodeIDs()
	maxDist := 0

	for _, node := range net.nodesInOrder() {
		node.routes.clear()
		for _, dst := range destinations {
			if dst == node.id {
				continue
			}
			spTree := rs.spTreeFor(dst)
			distHere := spTree.WeightTo(int64(node.id))
			if math.IsInf(distHere, 1) {
				continue
			}

			hops := make([]PortKey, 0, 2)
			for _, port := range node.ports {
				if !port.connected {
					continue
				}
				distPeer := spTree.WeightTo(int64(port.peer.Node))
				if math.IsInf(distPeer, 1) {
					continue
				}
				if approxEqual(distPeer, distHere-1.0) {
					hops = append(hops, port.key)
				}
			}

			// iteration order over next hops is fixed by the peer's node
			// id so that forwarding is reproducible run to run
			sort.Slice(hops, func(i, j int) bool {
				pi := net.port(hops[i]).peer
				pj := net.port(hops[j]).peer
				if pi.Node != pj.Node {
					return pi.Node < pj.Node
				}
				return hops[i].Idx < hops[j].Idx
			})

			node.routes.setRoute(dst, int(distHere), hops)
			if int(distHere) > maxDist {
				maxDist = int(distHere)
			}
		}
	}
	rs.diameter = maxDist
}

// Diameter returns the hop count of the longest shortest path currently
// in the topology; the convergence guard is scaled by it
func (net *Network) Diameter() int {
	if !net.routing.built {
		net.rebuildRoutes()
	}
	if net.routing.diameter < 1 {
		return 1
	}
	return net.routing.diameter
}
