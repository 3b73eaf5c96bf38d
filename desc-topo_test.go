package dcflow

import (
	"os"
	"path/filepath"
	"testing"
)

const topoJSON = `{
	"name": "tiny",
	"nodes": [
		{"kind": "host", "port_speed": 1000, "num_of_ports": 1},
		{"kind": "switch", "id": 7, "port_speed": 1000, "num_of_ports": 4},
		{"kind": "host", "port_speed": 1000, "num_of_ports": 1}
	],
	"links": [
		{"a": 0, "b": 7},
		{"a": 7, "b": 1}
	]
}`

func TestBuildNetworkFromJSON(t *testing.T) {
	td, err := ReadTopoDesc("", false, []byte(topoJSON))
	if err != nil {
		t.Fatalf("read desc: %v", err)
	}
	net, err := BuildNetwork(td, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// the explicit id is honored, the others fill the gaps from zero
	if net.GetNode(7) == nil || net.GetNode(7).Kind() != SwitchNode {
		t.Fatal("explicit id 7 should name the switch")
	}
	if net.GetNode(0) == nil || net.GetNode(0).Kind() != HostNode {
		t.Fatal("first host should auto-assign id 0")
	}
	if net.GetNode(1) == nil || net.GetNode(1).Kind() != HostNode {
		t.Fatal("second host should auto-assign id 1")
	}

	flow, err := net.StartFlow(0, 1, Kbps(400), nil)
	if err != nil {
		t.Fatalf("start flow: %v", err)
	}
	settle(t, net)
	if !flow.Throughput().ApproxEqual(Kbps(400)) {
		t.Errorf("throughput %v, want 400", flow.Throughput())
	}
}

const topoYAML = `name: pair
nodes:
  - kind: host
    port_speed: 500
    num_of_ports: 1
  - kind: host
    port_speed: 500
    num_of_ports: 1
links:
  - a: 0
    b: 1
`

func TestBuildNetworkFromYAML(t *testing.T) {
	td, err := ReadTopoDesc("", true, []byte(topoYAML))
	if err != nil {
		t.Fatalf("read yaml desc: %v", err)
	}
	net, err := BuildNetwork(td, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := net.GetNode(0).Ports()[0].MaxSpeed(); !got.ApproxEqual(Kbps(500)) {
		t.Errorf("port speed %v, want 500 Kbps", got)
	}
}

func TestTopoDescRejectsBadInput(t *testing.T) {
	dup := CreateTopoDesc("dup")
	five := 5
	dup.AddNode("host", &five, "a", 1000, 1)
	dup.AddNode("host", &five, "b", 1000, 1)
	if _, err := BuildNetwork(dup, nil); err == nil {
		t.Error("duplicate explicit id must be rejected")
	}

	bad := CreateTopoDesc("bad")
	bad.AddNode("frobnicator", nil, "x", 1000, 1)
	if _, err := BuildNetwork(bad, nil); err == nil {
		t.Error("unknown node kind must be rejected")
	}
}

func TestTopoRoundTrip(t *testing.T) {
	td, _ := ReadTopoDesc("", false, []byte(topoJSON))
	net, err := BuildNetwork(td, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	out := net.Describe("tiny")
	if len(out.Nodes) != 3 || len(out.Links) != 2 {
		t.Errorf("described %d nodes %d links, want 3 and 2", len(out.Nodes), len(out.Links))
	}

	dir := t.TempDir()
	file := filepath.Join(dir, "topo.yaml")
	if err := out.WriteToFile(file); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("written file missing: %v", err)
	}
	back, err := ReadTopoDesc(file, true, nil)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(back.Nodes) != 3 || len(back.Links) != 2 {
		t.Errorf("round trip lost content: %d nodes %d links", len(back.Nodes), len(back.Links))
	}
}

func TestApplyExpCfg(t *testing.T) {
	net := CreateNetwork(nil)
	ha, _ := net.AddHost("ha", 1, Kbps(1000))
	hb, _ := net.AddHost("hb", 1, Kbps(1000))
	sw, _ := net.AddSwitch("s", 4, Kbps(1000))
	h2, _ := net.AddHost("h2", 1, Kbps(1000))
	link(t, net, ha.ID(), sw.ID())
	link(t, net, hb.ID(), sw.ID())
	link(t, net, sw.ID(), h2.ID())
	settle(t, net)

	cfg := CreateExpCfg("fcfs-switches")
	if err := cfg.AddParameter("node",
		[]AttrbStruct{{AttrbName: "kind", AttrbValue: "switch"}},
		"fairness", "fcfs"); err != nil {
		t.Fatalf("add parameter: %v", err)
	}
	if err := net.ApplyExpCfg(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if net.GetNode(sw.ID()).fairness.Name() != "fcfs" {
		t.Error("switch fairness should be fcfs after overlay")
	}
	if net.GetNode(ha.ID()).fairness.Name() != "max-min" {
		t.Error("hosts keep the default policy")
	}

	f1, _ := net.StartFlow(ha.ID(), h2.ID(), Kbps(800), nil)
	settle(t, net)
	f2, _ := net.StartFlow(hb.ID(), h2.ID(), Kbps(800), nil)
	settle(t, net)
	if !f1.Throughput().ApproxEqual(Kbps(800)) || !f2.Throughput().ApproxEqual(Kbps(200)) {
		t.Errorf("fcfs overlay should yield 800/200, got %v/%v",
			f1.Throughput(), f2.Throughput())
	}
}

func TestExpCfgValidation(t *testing.T) {
	cfg := CreateExpCfg("bad")
	if err := cfg.AddParameter("link", nil, "portspeed", "100"); err == nil {
		t.Error("unknown object type must be rejected")
	}
	if err := cfg.AddParameter("node", nil, "warpfactor", "9"); err == nil {
		t.Error("unknown parameter must be rejected")
	}
	if err := cfg.AddParameter("node",
		[]AttrbStruct{{AttrbName: "color", AttrbValue: "red"}},
		"portspeed", "100"); err == nil {
		t.Error("unknown attribute must be rejected")
	}
}

func TestWildcardAppliesBeforeSpecific(t *testing.T) {
	net := CreateNetwork(nil)
	s1, _ := net.AddSwitch("s1", 2, Kbps(1000))
	s2, _ := net.AddSwitch("s2", 2, Kbps(1000))
	link(t, net, s1.ID(), s2.ID())
	settle(t, net)

	cfg := CreateExpCfg("layered")
	cfg.AddParameter("node",
		[]AttrbStruct{{AttrbName: "name", AttrbValue: "s2"}, {AttrbName: "kind", AttrbValue: "switch"}},
		"portspeed", "250")
	cfg.AddParameter("node",
		[]AttrbStruct{{AttrbName: "*", AttrbValue: ""}},
		"portspeed", "750")
	if err := net.ApplyExpCfg(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := net.GetNode(s1.ID()).Ports()[0].MaxSpeed(); !got.ApproxEqual(Kbps(750)) {
		t.Errorf("s1 speed %v, want the wildcard 750", got)
	}
	if got := net.GetNode(s2.ID()).Ports()[0].MaxSpeed(); !got.ApproxEqual(Kbps(250)) {
		t.Errorf("s2 speed %v, want the specific 250", got)
	}
}
