package dcflow

// trace.go holds the telemetry surface: immutable snapshots of a stable
// network, per-node records in the shape the exporter expects, and a
// manager that accumulates records across a run and serializes them to
// yaml or json selected by file extension.

import (
	"encoding/json"
	"os"
	"path"
	"sort"

	"gopkg.in/yaml.v3"
)

// NodeSnapshotRecord is one node's row in a snapshot.  Ratio fields are
// nil (serialized null) when the corresponding demand is zero.
type NodeSnapshotRecord struct {
	TimestampMS int64  `json:"timestamp_ms" yaml:"timestamp_ms"`
	NodeID      NodeID `json:"node_id" yaml:"node_id"`
	NodeName    string `json:"node_name" yaml:"node_name"`

	IncomingFlows   int `json:"incoming_flows" yaml:"incoming_flows"`
	OutgoingFlows   int `json:"outgoing_flows" yaml:"outgoing_flows"`
	GeneratingFlows int `json:"generating_flows" yaml:"generating_flows"`
	ConsumingFlows  int `json:"consuming_flows" yaml:"consuming_flows"`

	MinFlowThroughputRatio *float64 `json:"min_flow_throughput_ratio" yaml:"min_flow_throughput_ratio"`
	MaxFlowThroughputRatio *float64 `json:"max_flow_throughput_ratio" yaml:"max_flow_throughput_ratio"`
	AvgFlowThroughputRatio *float64 `json:"avg_flow_throughput_ratio" yaml:"avg_flow_throughput_ratio"`

	NodeThroughputMbps  float64  `json:"node_throughput_mbps" yaml:"node_throughput_mbps"`
	NodeThroughputRatio *float64 `json:"node_throughput_ratio" yaml:"node_throughput_ratio"`

	PowerDrawWatts      float64 `json:"power_draw_watts" yaml:"power_draw_watts"`
	EnergyConsumedJoule float64 `json:"energy_consumed_joule" yaml:"energy_consumed_joule"`
}

// Serialize turns a NodeSnapshotRecord into a yaml string
func (rec *NodeSnapshotRecord) Serialize() string {
	bytes, merr := yaml.Marshal(*rec)
	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// NetworkSnapshot is an immutable picture of a stable network
type NetworkSnapshot struct {
	TimestampMS      int64 `json:"timestamp_ms" yaml:"timestamp_ms"`
	Converged        bool  `json:"converged" yaml:"converged"`
	NumOfActiveFlows int   `json:"num_of_active_flows" yaml:"num_of_active_flows"`

	// aggregate delivered / aggregate demanded over all active flows,
	// null when nothing is demanded
	FlowThroughputRatio *float64 `json:"flow_throughput_ratio" yaml:"flow_throughput_ratio"`

	TotalPowerWatts  float64 `json:"total_power_watts" yaml:"total_power_watts"`
	TotalEnergyJoule float64 `json:"total_energy_joule" yaml:"total_energy_joule"`

	Nodes []NodeSnapshotRecord `json:"nodes" yaml:"nodes"`
}

// Snapshot waits for stability and then assembles the network picture
// inside the should-be-stable guard.  When the wait tripped the
// convergence bound the snapshot is still produced, marked
// non-converged, and ErrNotConverged is returned alongside it.
func (net *Network) Snapshot() (*NetworkSnapshot, error) {
	waitErr := net.AwaitStability()

	snap := new(NetworkSnapshot)
	net.validator.CheckStableWhile(func() {
		now := net.instant()
		snap.TimestampMS = int64(now * 1e3)
		snap.Converged = net.converged
		snap.NumOfActiveFlows = len(net.flows)

		flowIDs := make([]FlowID, 0, len(net.flows))
		for flowID := range net.flows {
			flowIDs = append(flowIDs, flowID)
		}
		sort.Slice(flowIDs, func(i, j int) bool { return flowIDs[i] < flowIDs[j] })

		var demanded, delivered DataRate
		for _, flowID := range flowIDs {
			flow := net.flows[flowID]
			if flow.stopped {
				continue
			}
			demanded += flow.demand
			delivered += flow.throughput
		}
		snap.FlowThroughputRatio = ratioOrNil(delivered, demanded)

		for _, nd := range net.nodesInOrder() {
			rec := nd.snapshotRecord(snap.TimestampMS, net.recorder)
			snap.TotalPowerWatts += rec.PowerDrawWatts
			snap.TotalEnergyJoule += rec.EnergyConsumedJoule
			snap.Nodes = append(snap.Nodes, rec)
		}
	})
	return snap, waitErr
}

// snapshotRecord builds this node's telemetry row
func (nd *Node) snapshotRecord(timestampMS int64, recorder *NetworkEnergyRecorder) NodeSnapshotRecord {
	incoming := make(map[FlowID]bool)
	outgoing := make(map[FlowID]bool)
	var nodeThroughput DataRate
	for _, port := range nd.ports {
		for _, flowID := range port.incomingFlowIDs() {
			if port.IncomingRate(flowID).Positive() {
				incoming[flowID] = true
			}
		}
		for _, flowID := range port.outgoingFlowIDs() {
			if port.OutgoingRate(flowID).Positive() {
				outgoing[flowID] = true
			}
		}
		nodeThroughput += port.TotalOutgoing()
	}

	demand, achieved, minRatio, maxRatio, avgRatio := nd.throughputSummary()

	rec := NodeSnapshotRecord{
		TimestampMS:            timestampMS,
		NodeID:                 nd.id,
		NodeName:               nd.name,
		IncomingFlows:          len(incoming),
		OutgoingFlows:          len(outgoing),
		GeneratingFlows:        len(nd.flows.generating),
		ConsumingFlows:         len(nd.flows.consuming),
		MinFlowThroughputRatio: minRatio,
		MaxFlowThroughputRatio: maxRatio,
		AvgFlowThroughputRatio: avgRatio,
		NodeThroughputMbps:     nodeThroughput.Mbps(),
		NodeThroughputRatio:    ratioOrNil(achieved, demand),
	}
	if nd.monitor != nil {
		rec.PowerDrawWatts = float64(nd.monitor.CurrentPower())
	}
	if recorder != nil {
		rec.EnergyConsumedJoule = float64(recorder.Consumed(nd.id))
	}
	return rec
}

// TelemetryManager accumulates snapshots across a run for post-run
// export.  By testing the InUse flag collection can be inhibited while
// the calls stay embedded wherever they are needed.
type TelemetryManager struct {
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	Snapshots []*NetworkSnapshot `json:"snapshots" yaml:"snapshots"`
}

// CreateTelemetryManager is a constructor
func CreateTelemetryManager(expName string, active bool) *TelemetryManager {
	tm := new(TelemetryManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.Snapshots = make([]*NetworkSnapshot, 0)
	return tm
}

// Active tells the caller whether telemetry is being gathered
func (tm *TelemetryManager) Active() bool {
	return tm.InUse
}

// AddSnapshot stores one snapshot
func (tm *TelemetryManager) AddSnapshot(snap *NetworkSnapshot) {
	if !tm.InUse {
		return
	}
	tm.Snapshots = append(tm.Snapshots, snap)
}

// Record waits out a snapshot from the network and stores it
func (tm *TelemetryManager) Record(net *Network) (*NetworkSnapshot, error) {
	snap, err := net.Snapshot()
	tm.AddSnapshot(snap)
	return snap, err
}

// WriteToFile stores the accumulated snapshots to the named file.
// Serialization to json or to yaml is selected based on the extension.
func (tm *TelemetryManager) WriteToFile(filename string) error {
	if !tm.InUse {
		return nil
	}

	// exports are in time order even if callers merged managers
	sort.SliceStable(tm.Snapshots, func(i, j int) bool {
		return tm.Snapshots[i].TimestampMS < tm.Snapshots[j].TimestampMS
	})

	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error
	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tm)
	} else {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		f.Close()
		return werr
	}
	return f.Close()
}
