package dcflow

// workload.go holds the traffic source: a generator attached to a pair
// of endpoints that starts flows of one fixed demand with sampled
// interarrival times and durations, rescheduling itself on the event
// manager.  It
// lets long experiments run without an external orchestrator feeding
// individual StartFlow calls.

import (
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// expRV returns a sample of an exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// TrafficSource repeatedly starts flows from src to dst.  Interarrival
// and holding times are exponential in "expon" mode and constant in
// "const" mode; each source samples from its own named rng stream so
// runs are reproducible.
type TrafficSource struct {
	Name string
	Mode string

	net    *Network
	src    NodeID
	dst    NodeID
	demand DataRate

	// mean seconds between flow starts, and mean seconds a flow lives
	meanInterarrival float64
	meanHolding      float64

	rng       *rngstream.RngStream
	suspended bool

	// flows this source has started and not yet torn down
	live map[FlowID]bool
}

// CreateTrafficSource is a constructor
func CreateTrafficSource(net *Network, name string, src, dst NodeID, demand DataRate,
	meanInterarrival, meanHolding float64, mode string) *TrafficSource {

	ts := new(TrafficSource)
	ts.Name = name
	ts.Mode = mode
	ts.net = net
	ts.src = src
	ts.dst = dst
	ts.demand = demand
	ts.meanInterarrival = meanInterarrival
	ts.meanHolding = meanHolding
	ts.rng = rngstream.New(name)
	ts.live = make(map[FlowID]bool)
	return ts
}

// sampleInterval draws the next interval with the given mean
func (ts *TrafficSource) sampleInterval(mean float64) float64 {
	if ts.Mode == "const" || ts.Mode == "constant" {
		return mean
	}
	return expRV(ts.rng.RandU01(), 1.0/mean)
}

// Start schedules the source's first arrival
func (ts *TrafficSource) Start(evtMgr *evtm.EventManager) {
	ts.suspended = false
	evtMgr.Schedule(ts, nil, trafficArrival, vrtime.SecondsToTime(ts.sampleInterval(ts.meanInterarrival)))
}

// Suspend stops further arrivals; flows already running are unaffected
func (ts *TrafficSource) Suspend() {
	ts.suspended = true
}

// LiveFlows returns the number of flows this source currently has running
func (ts *TrafficSource) LiveFlows() int {
	return len(ts.live)
}

// trafficArrival starts one flow, schedules its departure, and
// reschedules itself for the next arrival
func trafficArrival(evtMgr *evtm.EventManager, context any, data any) any {
	ts := context.(*TrafficSource)
	if ts.suspended {
		return nil
	}

	flow, err := ts.net.StartFlow(ts.src, ts.dst, ts.demand, nil)
	if err != nil && flow == nil {
		lg.WithField("source", ts.Name).WithError(err).Warn("traffic source failed to start flow")
	}
	if flow != nil {
		ts.live[flow.ID()] = true
		if serr := ts.net.AwaitStability(); serr != nil {
			lg.WithField("source", ts.Name).WithError(serr).Warn("network did not converge after flow start")
		}
		evtMgr.Schedule(ts, flow.ID(), trafficDeparture,
			vrtime.SecondsToTime(ts.sampleInterval(ts.meanHolding)))
	}

	evtMgr.Schedule(ts, nil, trafficArrival,
		vrtime.SecondsToTime(ts.sampleInterval(ts.meanInterarrival)))
	return nil
}

// trafficDeparture tears one of the source's flows down
func trafficDeparture(evtMgr *evtm.EventManager, context any, data any) any {
	ts := context.(*TrafficSource)
	flowID := data.(FlowID)
	if !ts.live[flowID] {
		return nil
	}
	delete(ts.live, flowID)

	if err := ts.net.StopFlow(flowID); err != nil {
		return nil
	}
	if serr := ts.net.AwaitStability(); serr != nil {
		lg.WithField("source", ts.Name).WithError(serr).Warn("network did not converge after flow stop")
	}
	return nil
}
