package dcflow

import (
	"testing"
)

func allocate(t *testing.T, policy FairnessPolicy, capacity DataRate,
	demands []FlowDemand, prior map[FlowID]DataRate, relaxed bool) map[FlowID]DataRate {
	t.Helper()
	if prior == nil {
		prior = map[FlowID]DataRate{}
	}
	allocation := policy.Allocate(capacity, demands, prior, relaxed)

	var total DataRate
	for flowID, rate := range allocation {
		if rate < 0 {
			t.Fatalf("negative allocation %v for flow %d", rate, flowID)
		}
		total += rate
	}
	if float64(total) > float64(capacity) && !approxEqual(float64(total), float64(capacity)) {
		t.Fatalf("allocations sum to %v, capacity %v", total, capacity)
	}
	return allocation
}

func TestFCFSUnderCapacity(t *testing.T) {
	fcfs := CreateFCFSFairness()
	demands := []FlowDemand{
		{ID: 1, Demand: Kbps(300), Arrival: 1},
		{ID: 2, Demand: Kbps(400), Arrival: 2},
	}
	alloc := allocate(t, fcfs, Kbps(1000), demands, nil, true)
	if !alloc[1].ApproxEqual(Kbps(300)) || !alloc[2].ApproxEqual(Kbps(400)) {
		t.Errorf("under capacity every flow gets its demand, got %v", alloc)
	}
}

func TestFCFSOversubscribed(t *testing.T) {
	fcfs := CreateFCFSFairness()

	// second arrival gets the leftover, third gets nothing
	demands := []FlowDemand{
		{ID: 3, Demand: Kbps(800), Arrival: 2},
		{ID: 1, Demand: Kbps(800), Arrival: 1},
		{ID: 5, Demand: Kbps(400), Arrival: 3},
	}
	alloc := allocate(t, fcfs, Kbps(1000), demands, nil, true)
	if !alloc[1].ApproxEqual(Kbps(800)) {
		t.Errorf("first arrival should get full demand, got %v", alloc[1])
	}
	if !alloc[3].ApproxEqual(Kbps(200)) {
		t.Errorf("second arrival should get residual 200, got %v", alloc[3])
	}
	if alloc[5].Positive() {
		t.Errorf("third arrival should get zero, got %v", alloc[5])
	}
}

func TestMaxMinEqualSplit(t *testing.T) {
	mm := CreateMaxMinFairness()
	demands := []FlowDemand{
		{ID: 1, Demand: Kbps(800)},
		{ID: 2, Demand: Kbps(800)},
	}
	alloc := allocate(t, mm, Kbps(1000), demands, nil, true)
	if !alloc[1].ApproxEqual(Kbps(500)) || !alloc[2].ApproxEqual(Kbps(500)) {
		t.Errorf("equal demands split capacity evenly, got %v", alloc)
	}
}

func TestMaxMinSmallDemandSatisfiedFirst(t *testing.T) {
	mm := CreateMaxMinFairness()
	demands := []FlowDemand{
		{ID: 1, Demand: Kbps(200)},
		{ID: 2, Demand: Kbps(400)},
		{ID: 3, Demand: Kbps(1000)},
	}
	alloc := allocate(t, mm, Kbps(1200), demands, nil, true)
	if !alloc[1].ApproxEqual(Kbps(200)) {
		t.Errorf("small demand fully satisfied, got %v", alloc[1])
	}
	if !alloc[2].ApproxEqual(Kbps(400)) {
		t.Errorf("middle demand fully satisfied, got %v", alloc[2])
	}
	if !alloc[3].ApproxEqual(Kbps(600)) {
		t.Errorf("large demand gets the rest, got %v", alloc[3])
	}
}

func TestMaxMinNoForcedReduction(t *testing.T) {
	mm := CreateMaxMinFairness()
	demands := []FlowDemand{
		{ID: 1, Demand: Kbps(700)},
		{ID: 2, Demand: Kbps(300)},
	}
	prior := map[FlowID]DataRate{1: Kbps(700), 2: Kbps(300)}

	// same flow set, same capacity: the earlier grants are floors
	alloc := allocate(t, mm, Kbps(1000), demands, prior, false)
	if !alloc[1].ApproxEqual(Kbps(700)) || !alloc[2].ApproxEqual(Kbps(300)) {
		t.Errorf("unrelaxed pass must not lower prior grants, got %v", alloc)
	}
}

func TestMaxMinRelaxedOnCapacityDrop(t *testing.T) {
	mm := CreateMaxMinFairness()
	demands := []FlowDemand{
		{ID: 1, Demand: Kbps(800)},
		{ID: 2, Demand: Kbps(800)},
	}
	prior := map[FlowID]DataRate{1: Kbps(500), 2: Kbps(500)}

	// capacity dropped from 1000 to 600, relaxed pass refills from zero
	alloc := allocate(t, mm, Kbps(600), demands, prior, true)
	if !alloc[1].ApproxEqual(Kbps(300)) || !alloc[2].ApproxEqual(Kbps(300)) {
		t.Errorf("relaxed refill after capacity drop should give 300/300, got %v", alloc)
	}
}

func TestMaxMinFloorsExceedingCapacityRefill(t *testing.T) {
	mm := CreateMaxMinFairness()
	demands := []FlowDemand{
		{ID: 1, Demand: Kbps(800)},
		{ID: 2, Demand: Kbps(800)},
	}

	// priors were granted under a larger capacity; an unrelaxed call is a
	// caller mistake and the policy falls back to a clean fill
	prior := map[FlowID]DataRate{1: Kbps(500), 2: Kbps(500)}
	alloc := allocate(t, mm, Kbps(600), demands, prior, false)
	if !alloc[1].ApproxEqual(Kbps(300)) || !alloc[2].ApproxEqual(Kbps(300)) {
		t.Errorf("overfull floors fall back to clean fill, got %v", alloc)
	}
}

func TestMaxMinDemandGrowthKeepsOthers(t *testing.T) {
	mm := CreateMaxMinFairness()

	// flow 1 raises its demand; flow 2's grant may not shrink because
	// neither the flow set nor the capacity changed
	demands := []FlowDemand{
		{ID: 1, Demand: Kbps(900)},
		{ID: 2, Demand: Kbps(800)},
	}
	prior := map[FlowID]DataRate{1: Kbps(500), 2: Kbps(500)}
	alloc := allocate(t, mm, Kbps(1000), demands, prior, false)
	if !alloc[2].ApproxEqual(Kbps(500)) {
		t.Errorf("flow 2 grant shrank to %v without relaxation", alloc[2])
	}
	if !alloc[1].ApproxEqual(Kbps(500)) {
		t.Errorf("flow 1 cannot grow past the remaining capacity, got %v", alloc[1])
	}
}

func TestCreateFairnessPolicyByName(t *testing.T) {
	if CreateFairnessPolicy("fcfs") == nil || CreateFairnessPolicy("max-min") == nil {
		t.Error("known policy names must resolve")
	}
	if CreateFairnessPolicy("bogus") != nil {
		t.Error("unknown policy name must yield nil")
	}
}
