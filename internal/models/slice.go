package models

import "fmt"

// Orientation describes an arbitrary rectangular slice plane in normalized
// volume coordinates [-1,1]^3. The nine floats are laid out as the first
// in-plane axis, the second in-plane axis and the base point, so that the
// slice spans Base + s*Axis1 + t*Axis2 for s,t in [0,1].
type Orientation [9]float32

// Axis1 returns the first in-plane axis.
func (o Orientation) Axis1() [3]float32 { return [3]float32{o[0], o[1], o[2]} }

// Axis2 returns the second in-plane axis.
func (o Orientation) Axis2() [3]float32 { return [3]float32{o[3], o[4], o[5]} }

// Base returns the corner of the slice rectangle.
func (o Orientation) Base() [3]float32 { return [3]float32{o[6], o[7], o[8]} }

// SliceData is a reconstructed 2-D slice. Data is row-major with Size[0]
// columns and Size[1] rows and is owned by the caller.
type SliceData struct {
	Size [2]int
	Data []float32
}

// EmptySlice is the answer to a query against an uninitialized reconstructor.
func EmptySlice() SliceData {
	return SliceData{Size: [2]int{1, 1}, Data: []float32{0}}
}

// ProjectionKind classifies an incoming detector frame.
type ProjectionKind int32

const (
	// Dark frames are recorded without beam
	Dark ProjectionKind = 0
	// Light frames are recorded with beam but without sample
	Light ProjectionKind = 1
	// Standard frames are regular projections of the sample
	Standard ProjectionKind = 2
)

// String returns the name of the projection kind.
func (k ProjectionKind) String() string {
	switch k {
	case Dark:
		return "dark"
	case Light:
		return "light"
	case Standard:
		return "standard"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// Projection is one detector frame as received from the acquisition side.
type Projection struct {
	Kind  ProjectionKind
	Index int
	// Shape is (rows, cols)
	Shape [2]int
	Data  []float32
}

// ParameterKind tags the variant held by a ParameterValue.
type ParameterKind int

const (
	FloatParameter ParameterKind = iota
	BoolParameter
	ChoiceParameter
)

// ParameterValue is a runtime tunable exchanged with listeners. At
// registration a choice parameter carries all options in Choices and the
// current one in Choice; a change carries only Choice.
type ParameterValue struct {
	Kind    ParameterKind
	Float   float32
	Bool    bool
	Choice  string
	Choices []string
}

// FloatValue wraps a scalar tunable.
func FloatValue(v float32) ParameterValue {
	return ParameterValue{Kind: FloatParameter, Float: v}
}

// BoolValue wraps a boolean tunable.
func BoolValue(v bool) ParameterValue {
	return ParameterValue{Kind: BoolParameter, Bool: v}
}

// ChoiceValue wraps an enumerated tunable.
func ChoiceValue(current string, choices ...string) ParameterValue {
	return ParameterValue{Kind: ChoiceParameter, Choice: current, Choices: choices}
}

// String formats the held value.
func (p ParameterValue) String() string {
	switch p.Kind {
	case FloatParameter:
		return fmt.Sprintf("%g", p.Float)
	case BoolParameter:
		return fmt.Sprintf("%t", p.Bool)
	default:
		return p.Choice
	}
}

// Parameter is a named tunable with its default value.
type Parameter struct {
	Name  string
	Value ParameterValue
}
