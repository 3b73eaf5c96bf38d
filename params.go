package dcflow

// params.go supports run-time configuration of a built network through
// attribute-matched parameter records: each record names an object class,
// a list of attribute constraints, a parameter, and a value.  Records are
// applied most-general first so that wildcard defaults land before more
// specific overrides.

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// AttrbStruct holds the name of an attribute and a value for it
type AttrbStruct struct {
	AttrbName  string `json:"attrbname" yaml:"attrbname"`
	AttrbValue string `json:"attrbvalue" yaml:"attrbvalue"`
}

// valueStruct holds the different types a parameter value might have;
// which one is used is known by context
type valueStruct struct {
	intValue    int
	floatValue  float64
	stringValue string
	boolValue   bool
}

// nodeAttributes lists the attribute names a node record may constrain on
var nodeAttributes = []string{"*", "name", "group", "kind"}

// nodeParams lists the parameters a node record may set
var nodeParams = []string{"portspeed", "fairness", "trace", "idlewatts", "maxwatts"}

// ExpParameter describes one parameter assignment: apply Param=Value to
// every node matching all of the Attributes
type ExpParameter struct {
	ParamObj   string        `json:"paramobj" yaml:"paramobj"`
	Attributes []AttrbStruct `json:"attributes" yaml:"attributes"`
	Param      string        `json:"param" yaml:"param"`
	Value      string        `json:"value" yaml:"value"`
}

// ExpCfg holds a named collection of parameter assignments
type ExpCfg struct {
	Name       string         `json:"name" yaml:"name"`
	Parameters []ExpParameter `json:"parameters" yaml:"parameters"`
}

// CreateExpCfg is an initialization constructor
func CreateExpCfg(name string) *ExpCfg {
	cfg := new(ExpCfg)
	cfg.Name = name
	cfg.Parameters = make([]ExpParameter, 0)
	return cfg
}

// AddParameter validates and appends one assignment
func (cfg *ExpCfg) AddParameter(paramObj string, attributes []AttrbStruct, param, value string) error {
	if paramObj != "node" {
		return fmt.Errorf("unrecognized parameter object type %s", paramObj)
	}
	for _, attrb := range attributes {
		if !slices.Contains(nodeAttributes, attrb.AttrbName) {
			return fmt.Errorf("unrecognized attribute %s for %s", attrb.AttrbName, paramObj)
		}
	}
	if !slices.Contains(nodeParams, param) {
		return fmt.Errorf("unrecognized parameter %s for %s", param, paramObj)
	}
	cfg.Parameters = append(cfg.Parameters, ExpParameter{
		ParamObj: paramObj, Attributes: attributes, Param: param, Value: value,
	})
	return nil
}

// WriteToFile stores the ExpCfg to the named file, json or yaml selected
// by the extension
func (cfg *ExpCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error
	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*cfg)
	} else {
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
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

// ReadExpCfg deserializes a byte slice holding an ExpCfg representation,
// reading the named file if the slice is empty
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := ExpCfg{}
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

// parseValue converts the string form carried in a record into the typed
// form setParam expects for the parameter
func parseValue(param, value string) (valueStruct, error) {
	vs := valueStruct{stringValue: value}
	switch param {
	case "portspeed", "idlewatts", "maxwatts":
		fv, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return vs, fmt.Errorf("parameter %s needs a float value, got %s", param, value)
		}
		vs.floatValue = fv
	case "trace":
		bv, err := strconv.ParseBool(value)
		if err != nil {
			return vs, fmt.Errorf("parameter %s needs a bool value, got %s", param, value)
		}
		vs.boolValue = bv
	}
	return vs, nil
}

// matchesAll reports whether the node satisfies every attribute
// constraint; the wildcard attribute matches unconditionally
func matchesAll(nd *Node, attributes []AttrbStruct) bool {
	for _, attrb := range attributes {
		if attrb.AttrbName == "*" {
			continue
		}
		if !nd.matchParam(attrb.AttrbName, attrb.AttrbValue) {
			return false
		}
	}
	return true
}

// ApplyExpCfg applies the configuration to the network.  Records with
// fewer constraints are more general and are applied first, so specific
// records override defaults; equal generality preserves file order.
func (net *Network) ApplyExpCfg(cfg *ExpCfg) error {
	ordered := make([]ExpParameter, len(cfg.Parameters))
	copy(ordered, cfg.Parameters)
	// the wildcard attribute matches unconditionally, so it is not counted
	// as a constraint
	constraints := func(param ExpParameter) int {
		count := 0
		for _, attrb := range param.Attributes {
			if attrb.AttrbName != "*" {
				count += 1
			}
		}
		return count
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return constraints(ordered[i]) < constraints(ordered[j])
	})

	for _, param := range ordered {
		vs, err := parseValue(param.Param, param.Value)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfg.Name, err)
		}
		for _, nd := range net.nodesInOrder() {
			if matchesAll(nd, param.Attributes) {
				nd.setParam(param.Param, vs)
			}
		}
	}
	return net.AwaitStability()
}
