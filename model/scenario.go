package model

// ScenarioDefinition describes a network to load into the knowledge base.
// The same shape is decoded from JSON, YAML and HCL scenario files; in HCL
// nodes and links are labelled blocks:
//
//	node "tank" {
//	  capacitive = true
//	  mass       = 10
//	  capacity   = 20
//	}
type ScenarioDefinition struct {
	Name  string           `json:"name" yaml:"name" hcl:"name,optional"`
	Nodes []NodeDefinition `json:"nodes" yaml:"nodes" hcl:"node,block"`
	Links []LinkDefinition `json:"links" yaml:"links" hcl:"link,block"`
}

// NodeDefinition is one control volume. Mass and Capacity are in kg.
type NodeDefinition struct {
	ID         string  `json:"id" yaml:"id" hcl:"id,label"`
	Capacitive bool    `json:"capacitive" yaml:"capacitive" hcl:"capacitive,optional"`
	Mass       float64 `json:"mass" yaml:"mass" hcl:"mass,optional"`
	Capacity   float64 `json:"capacity" yaml:"capacity" hcl:"capacity"`
}

// LinkDefinition is one link. Kind is "conductor", "source" or "manifold".
//
// Ports lists the node IDs bound to each port in order: [from, to] for a
// conductor, [node] for a source. Demand (kg/s) applies to conductors and
// sources; PortFlows gives the signed per-port rates of a manifold.
type LinkDefinition struct {
	ID        string    `json:"id" yaml:"id" hcl:"id,label"`
	Kind      string    `json:"kind" yaml:"kind" hcl:"kind"`
	Ports     []string  `json:"ports" yaml:"ports" hcl:"ports"`
	Demand    float64   `json:"demand,omitempty" yaml:"demand,omitempty" hcl:"demand,optional"`
	PortFlows []float64 `json:"port_flows,omitempty" yaml:"port_flows,omitempty" hcl:"port_flows,optional"`
}
