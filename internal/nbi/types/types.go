package types

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/signalsfoundry/nodal-network-sim/core"
	sim "github.com/signalsfoundry/nodal-network-sim/internal/sim/state"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidRequest reports a malformed NBI request message.
var ErrInvalidRequest = errors.New("invalid request")

//
// NBI messages are well-known protobuf types. Nodes, links and step results
// travel as google.protobuf.Struct with the field names below.
//

// NodeToStruct converts a node view into its wire shape.
func NodeToStruct(n sim.NodeView) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":          structpb.NewStringValue(n.ID),
		"index":       structpb.NewNumberValue(float64(n.Index)),
		"capacitive":  structpb.NewBoolValue(n.Capacitive),
		"mass":        structpb.NewNumberValue(n.Mass),
		"capacity":    structpb.NewNumberValue(n.Capacity),
		"influx":      structpb.NewNumberValue(n.Influx),
		"outflux":     structpb.NewNumberValue(n.Outflux),
		"overflowing": structpb.NewBoolValue(n.Overflowing),
	}}
}

// LinkToStruct converts a link view into its wire shape.
func LinkToStruct(l sim.LinkView) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":         structpb.NewStringValue(l.ID),
		"index":      structpb.NewNumberValue(float64(l.Index)),
		"kind":       structpb.NewStringValue(string(l.Kind)),
		"port_nodes": stringList(l.PortNodes),
		"port_flows": numberList(l.PortFlows),
	}}
}

// NodesToStruct wraps node views as {"nodes": [...]}.
func NodesToStruct(nodes []sim.NodeView) *structpb.Struct {
	values := make([]*structpb.Value, len(nodes))
	for i, n := range nodes {
		values[i] = structpb.NewStructValue(NodeToStruct(n))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"nodes": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// LinksToStruct wraps link views as {"links": [...]}.
func LinksToStruct(links []sim.LinkView) *structpb.Struct {
	values := make([]*structpb.Value, len(links))
	for i, l := range links {
		values[i] = structpb.NewStructValue(LinkToStruct(l))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"links": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// StepResultToStruct converts an engine step result into its wire shape.
func StepResultToStruct(r *core.StepResult) *structpb.Struct {
	if r == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	order := make([]float64, len(r.Report.Order))
	for i, v := range r.Report.Order {
		order[i] = float64(v)
	}
	relaxed := make([]float64, len(r.Report.RelaxedNodes))
	for i, v := range r.Report.RelaxedNodes {
		relaxed[i] = float64(v)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"step":          structpb.NewNumberValue(float64(r.Step)),
		"sim_time":      structpb.NewNumberValue(r.SimTime),
		"dt":            structpb.NewNumberValue(r.Dt),
		"rounds":        structpb.NewNumberValue(float64(r.Report.Rounds)),
		"transported":   structpb.NewNumberValue(float64(r.Report.Transported)),
		"order":         numberList(order),
		"relaxed_nodes": numberList(relaxed),
		"overflowing":   stringList(r.Overflowing),
	}}
}

// LinkDemandRequest is the decoded SetLinkDemand payload. Exactly one of
// Demand or PortFlows is set.
type LinkDemandRequest struct {
	LinkID    string
	Demand    *float64
	PortFlows []float64
}

// LinkDemandFromStruct decodes {"link_id", "demand"} or
// {"link_id", "port_flows"}.
func LinkDemandFromStruct(s *structpb.Struct) (*LinkDemandRequest, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: request body is required", ErrInvalidRequest)
	}
	linkID, err := requiredString(s, "link_id")
	if err != nil {
		return nil, err
	}
	req := &LinkDemandRequest{LinkID: linkID}

	demand, hasDemand := s.GetFields()["demand"]
	flows, hasFlows := s.GetFields()["port_flows"]
	switch {
	case hasDemand && hasFlows:
		return nil, fmt.Errorf("%w: set either demand or port_flows, not both", ErrInvalidRequest)
	case hasDemand:
		v, err := finiteNumber(demand, "demand")
		if err != nil {
			return nil, err
		}
		req.Demand = &v
	case hasFlows:
		list := flows.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("%w: port_flows must be a list", ErrInvalidRequest)
		}
		for i, v := range list.GetValues() {
			f, err := finiteNumber(v, fmt.Sprintf("port_flows[%d]", i))
			if err != nil {
				return nil, err
			}
			req.PortFlows = append(req.PortFlows, f)
		}
	default:
		return nil, fmt.Errorf("%w: demand or port_flows is required", ErrInvalidRequest)
	}
	return req, nil
}

// ConnectPortRequest is the decoded ConnectPort payload.
type ConnectPortRequest struct {
	LinkID string
	Port   int
	NodeID string
}

// ConnectPortFromStruct decodes {"link_id", "port", "node_id"}.
func ConnectPortFromStruct(s *structpb.Struct) (*ConnectPortRequest, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: request body is required", ErrInvalidRequest)
	}
	linkID, err := requiredString(s, "link_id")
	if err != nil {
		return nil, err
	}
	nodeID, err := requiredString(s, "node_id")
	if err != nil {
		return nil, err
	}
	v, ok := s.GetFields()["port"]
	if !ok {
		return nil, fmt.Errorf("%w: port is required", ErrInvalidRequest)
	}
	port, err := finiteNumber(v, "port")
	if err != nil {
		return nil, err
	}
	if port != math.Trunc(port) || port < 0 || port > math.MaxInt32 {
		return nil, fmt.Errorf("%w: port must be a non-negative integer, got %v", ErrInvalidRequest, port)
	}
	return &ConnectPortRequest{LinkID: linkID, Port: int(port), NodeID: nodeID}, nil
}

func requiredString(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || strings.TrimSpace(str.StringValue) == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidRequest, key)
	}
	return str.StringValue, nil
}

func finiteNumber(v *structpb.Value, name string) (float64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidRequest, name)
	}
	if math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, fmt.Errorf("%w: %s must be finite", ErrInvalidRequest, name)
	}
	return n.NumberValue, nil
}

func stringList(items []string) *structpb.Value {
	values := make([]*structpb.Value, len(items))
	for i, s := range items {
		values[i] = structpb.NewStringValue(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func numberList(items []float64) *structpb.Value {
	values := make([]*structpb.Value, len(items))
	for i, f := range items {
		values[i] = structpb.NewNumberValue(f)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}
