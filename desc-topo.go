package dcflow

// desc-topo.go holds the serializable description of a topology and the
// transformation from a description into a live Network.  Descriptions
// are pointer-free so they round-trip through json or yaml; files are
// read and written in whichever of the two formats the file extension
// names.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/iti/evt/evtm"
	"gopkg.in/yaml.v3"
)

// NodeDesc describes one node of a topology.  Rate units are Kbps.
// A missing id (omitted, so nil) is auto-assigned at build time.
type NodeDesc struct {
	Kind       string   `json:"kind" yaml:"kind"`
	ID         *int     `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string   `json:"name,omitempty" yaml:"name,omitempty"`
	Groups     []string `json:"groups,omitempty" yaml:"groups,omitempty"`
	PortSpeed  float64  `json:"port_speed" yaml:"port_speed"`
	NumOfPorts int      `json:"num_of_ports" yaml:"num_of_ports"`
}

// LinkDesc describes one link by the ids of its two endpoints
type LinkDesc struct {
	A int `json:"a" yaml:"a"`
	B int `json:"b" yaml:"b"`
}

// TopoDesc is a complete serializable topology
type TopoDesc struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// CreateTopoDesc is an initialization constructor
func CreateTopoDesc(name string) *TopoDesc {
	td := new(TopoDesc)
	td.Name = name
	td.Nodes = make([]NodeDesc, 0)
	td.Links = make([]LinkDesc, 0)
	return td
}

// AddNode appends a node description, returning the index it will occupy
func (td *TopoDesc) AddNode(kind string, id *int, name string, portSpeed float64, numOfPorts int) int {
	td.Nodes = append(td.Nodes, NodeDesc{
		Kind: kind, ID: id, Name: name, PortSpeed: portSpeed, NumOfPorts: numOfPorts,
	})
	return len(td.Nodes) - 1
}

// AddLink appends a link between two node ids
func (td *TopoDesc) AddLink(a, b int) {
	td.Links = append(td.Links, LinkDesc{A: a, B: b})
}

// WriteToFile stores the TopoDesc to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension.
func (td *TopoDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error
	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*td)
	} else {
		bytes, merr = json.MarshalIndent(*td, "", "\t")
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

// ReadTopoDesc deserializes a byte slice holding a representation of a
// TopoDesc.  If the dict argument is empty the named file is read to
// acquire the bytes.
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := TopoDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// LoadTopo reads a topology file, dispatching on the extension, and
// builds the network it describes
func LoadTopo(topoFile string, evtMgr *evtm.EventManager) (*Network, error) {
	ext := path.Ext(topoFile)
	useYAML := (ext == ".yaml") || (ext == ".yml")
	td, err := ReadTopoDesc(topoFile, useYAML, nil)
	if err != nil {
		return nil, err
	}
	return BuildNetwork(td, evtMgr)
}

// BuildNetwork turns a description into a live Network: nodes first,
// auto-assigning ids the description leaves out, then links
func BuildNetwork(td *TopoDesc, evtMgr *evtm.EventManager) (*Network, error) {
	net := CreateNetwork(evtMgr)

	// ids named explicitly are claimed before any are auto-assigned
	used := make(map[NodeID]bool)
	for _, nd := range td.Nodes {
		if nd.ID == nil {
			continue
		}
		id := NodeID(*nd.ID)
		if id == InternetID {
			return nil, fmt.Errorf("node id %d is reserved for the internet node", id)
		}
		if used[id] {
			return nil, fmt.Errorf("duplicate node id %d in topology %s", id, td.Name)
		}
		used[id] = true
	}

	nextAuto := NodeID(0)
	autoID := func() NodeID {
		for used[nextAuto] {
			nextAuto += 1
		}
		used[nextAuto] = true
		return nextAuto
	}

	for idx, nd := range td.Nodes {
		kind, err := NodeKindFromStr(nd.Kind)
		if err != nil {
			return nil, fmt.Errorf("topology %s node %d: %w", td.Name, idx, err)
		}
		if kind == InternetNode {
			return nil, fmt.Errorf("topology %s: the internet node is implicit", td.Name)
		}

		var id NodeID
		if nd.ID != nil {
			id = NodeID(*nd.ID)
		} else {
			id = autoID()
		}

		ports := nd.NumOfPorts
		if ports <= 0 {
			ports = 1
		}
		node, err := net.addNodeWithID(id, nd.Name, kind, ports, Kbps(nd.PortSpeed))
		if err != nil {
			return nil, err
		}
		node.groups = append(node.groups, nd.Groups...)
	}

	for _, link := range td.Links {
		if _, _, err := net.Connect(NodeID(link.A), NodeID(link.B)); err != nil {
			return nil, fmt.Errorf("topology %s link %d-%d: %w", td.Name, link.A, link.B, err)
		}
	}

	// building a topology leaves nothing to propagate; nodes signaled by
	// link creation settle here so the network starts out stable
	if err := net.AwaitStability(); err != nil {
		return nil, err
	}
	return net, nil
}

// Describe reverses BuildNetwork: serialize the network's current
// topology, links enumerated once each, in id order
func (net *Network) Describe(name string) *TopoDesc {
	td := CreateTopoDesc(name)

	for _, nd := range net.nodesInOrder() {
		if nd.kind == InternetNode {
			continue
		}
		id := int(nd.id)
		td.Nodes = append(td.Nodes, NodeDesc{
			Kind:       NodeKindToStr(nd.kind),
			ID:         &id,
			Name:       nd.name,
			Groups:     nd.groups,
			PortSpeed:  nd.portSpeed.Kbps(),
			NumOfPorts: len(nd.ports),
		})
	}

	seen := make(map[PortKey]bool)
	links := make([]LinkDesc, 0)
	for _, nd := range net.nodesInOrder() {
		for _, port := range nd.ports {
			if !port.connected || seen[port.key] || seen[port.peer] {
				continue
			}
			seen[port.key] = true
			seen[port.peer] = true
			links = append(links, LinkDesc{A: int(port.key.Node), B: int(port.peer.Node)})
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].A != links[j].A {
			return links[i].A < links[j].A
		}
		return links[i].B < links[j].B
	})
	td.Links = links
	return td
}
