package packets

import (
	"errors"
	"fmt"

	"slicerecon/internal/models"
)

// ErrUnknownDesc is returned by Unmarshal for tags outside the catalogue.
var ErrUnknownDesc = errors.New("unknown packet descriptor")

// Desc is the leading tag identifying a packet type.
type Desc int32

const (
	DescReply Desc = 0x001

	DescMakeScene Desc = 0x101
	DescKillScene Desc = 0x102

	DescSliceData          Desc = 0x201
	DescPartialSliceData   Desc = 0x202
	DescVolumeData         Desc = 0x203
	DescPartialVolumeData  Desc = 0x204
	DescSetSlice           Desc = 0x205
	DescRemoveSlice        Desc = 0x206
	DescGroupRequestSlices Desc = 0x207
	DescRegisterParameter  Desc = 0x208
	DescParameterChanged   Desc = 0x209

	DescGeometrySpecification Desc = 0x301
	DescScanSettings          Desc = 0x302
	DescParallelBeamGeometry  Desc = 0x303
	DescParallelVecGeometry   Desc = 0x304
	DescConeBeamGeometry      Desc = 0x305
	DescConeVecGeometry       Desc = 0x306
	DescProjectionData        Desc = 0x307
	DescPartialProjectionData Desc = 0x308
	DescProjection            Desc = 0x309

	DescSetPart Desc = 0x401
)

// String returns the protocol name of the descriptor.
func (d Desc) String() string {
	if name, ok := descNames[d]; ok {
		return name
	}
	return fmt.Sprintf("desc(0x%x)", int32(d))
}

var descNames = map[Desc]string{
	DescReply:                 "reply",
	DescMakeScene:             "make_scene",
	DescKillScene:             "kill_scene",
	DescSliceData:             "slice_data",
	DescPartialSliceData:      "partial_slice_data",
	DescVolumeData:            "volume_data",
	DescPartialVolumeData:     "partial_volume_data",
	DescSetSlice:              "set_slice",
	DescRemoveSlice:           "remove_slice",
	DescGroupRequestSlices:    "group_request_slices",
	DescRegisterParameter:     "register_parameter",
	DescParameterChanged:      "parameter_changed",
	DescGeometrySpecification: "geometry_specification",
	DescScanSettings:          "scan_settings",
	DescParallelBeamGeometry:  "parallel_beam_geometry",
	DescParallelVecGeometry:   "parallel_vec_geometry",
	DescConeBeamGeometry:      "cone_beam_geometry",
	DescConeVecGeometry:       "cone_vec_geometry",
	DescProjectionData:        "projection_data",
	DescPartialProjectionData: "partial_projection_data",
	DescProjection:            "projection",
	DescSetPart:               "set_part",
}

// Packet is a message of the catalogue.
type Packet interface {
	Desc() Desc
	encode(w *Writer)
	decode(r *Reader)
}

// GeometryPacket is one of the four acquisition geometry variants.
type GeometryPacket interface {
	Packet
	Geometry() models.AcquisitionGeometry
}

var factories = map[Desc]func() Packet{
	DescReply:                 func() Packet { return &Reply{} },
	DescMakeScene:             func() Packet { return &MakeScene{} },
	DescKillScene:             func() Packet { return &KillScene{} },
	DescSliceData:             func() Packet { return &SliceData{} },
	DescVolumeData:            func() Packet { return &VolumeData{} },
	DescSetSlice:              func() Packet { return &SetSlice{} },
	DescRemoveSlice:           func() Packet { return &RemoveSlice{} },
	DescGroupRequestSlices:    func() Packet { return &GroupRequestSlices{} },
	DescRegisterParameter:     func() Packet { return &RegisterParameter{} },
	DescParameterChanged:      func() Packet { return &ParameterChanged{} },
	DescGeometrySpecification: func() Packet { return &GeometrySpecification{} },
	DescScanSettings:          func() Packet { return &ScanSettings{} },
	DescParallelBeamGeometry:  func() Packet { return &ParallelBeamGeometry{} },
	DescParallelVecGeometry:   func() Packet { return &ParallelVecGeometry{} },
	DescConeBeamGeometry:      func() Packet { return &ConeBeamGeometry{} },
	DescConeVecGeometry:       func() Packet { return &ConeVecGeometry{} },
	DescProjection:            func() Packet { return &Projection{} },
}

// Marshal serializes p with its leading descriptor.
func Marshal(p Packet) []byte {
	var w Writer
	w.Int32(int32(p.Desc()))
	p.encode(&w)
	return w.Bytes()
}

// PeekDesc returns the descriptor of a serialized packet.
func PeekDesc(data []byte) (Desc, error) {
	r := NewReader(data)
	d := Desc(r.Int32())
	return d, r.Err()
}

// Unmarshal decodes a serialized packet. Tags outside the catalogue yield
// ErrUnknownDesc together with the tag, so callers can log and drop them.
func Unmarshal(data []byte) (Packet, error) {
	r := NewReader(data)
	d := Desc(r.Int32())
	if err := r.Err(); err != nil {
		return nil, err
	}
	factory, ok := factories[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDesc, d)
	}
	p := factory()
	p.decode(r)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", d, err)
	}
	return p, nil
}

// Reply acknowledges a request. A zero Status means success; otherwise
// Message describes the failure.
type Reply struct {
	Status  int32
	Message string
}

// ReplyOK is the acknowledgement of a successfully handled packet.
func ReplyOK() *Reply { return &Reply{} }

// ReplyError reports err to the sender.
func ReplyError(err error) *Reply { return &Reply{Status: 1, Message: err.Error()} }

func (*Reply) Desc() Desc { return DescReply }

func (p *Reply) encode(w *Writer) {
	w.Int32(p.Status)
	w.String(p.Message)
}

func (p *Reply) decode(r *Reader) {
	p.Status = r.Int32()
	p.Message = r.String()
}

// MakeScene announces a scene to a visualization client.
type MakeScene struct {
	SceneID   int32
	Name      string
	Dimension int32
}

func (*MakeScene) Desc() Desc { return DescMakeScene }

func (p *MakeScene) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.String(p.Name)
	w.Int32(p.Dimension)
}

func (p *MakeScene) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Name = r.String()
	p.Dimension = r.Int32()
}

// KillScene tells a visualization client the scene is gone.
type KillScene struct {
	SceneID int32
}

func (*KillScene) Desc() Desc { return DescKillScene }

func (p *KillScene) encode(w *Writer) { w.Int32(p.SceneID) }

func (p *KillScene) decode(r *Reader) { p.SceneID = r.Int32() }

// SliceData carries one reconstructed slice. With Additive set the client
// accumulates Data onto what it shows instead of replacing it.
type SliceData struct {
	SceneID  int32
	SliceID  int32
	Size     [2]int32
	Data     []float32
	Additive bool
}

func (*SliceData) Desc() Desc { return DescSliceData }

func (p *SliceData) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(p.SliceID)
	w.Int32s(p.Size[:])
	w.Float32s(p.Data)
	w.Bool(p.Additive)
}

func (p *SliceData) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.SliceID = r.Int32()
	copy(p.Size[:], r.Int32s())
	p.Data = r.Float32s()
	p.Additive = r.Bool()
}

// VolumeData carries the coarse preview volume.
type VolumeData struct {
	SceneID int32
	Size    [3]int32
	Data    []float32
}

func (*VolumeData) Desc() Desc { return DescVolumeData }

func (p *VolumeData) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32s(p.Size[:])
	w.Float32s(p.Data)
}

func (p *VolumeData) decode(r *Reader) {
	p.SceneID = r.Int32()
	copy(p.Size[:], r.Int32s())
	p.Data = r.Float32s()
}

// SetSlice registers or moves the slice SliceID.
type SetSlice struct {
	SceneID     int32
	SliceID     int32
	Orientation models.Orientation
}

func (*SetSlice) Desc() Desc { return DescSetSlice }

func (p *SetSlice) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(p.SliceID)
	w.Float32Array(p.Orientation[:])
}

func (p *SetSlice) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.SliceID = r.Int32()
	r.Float32Array(p.Orientation[:])
}

// RemoveSlice unregisters the slice SliceID.
type RemoveSlice struct {
	SceneID int32
	SliceID int32
}

func (*RemoveSlice) Desc() Desc { return DescRemoveSlice }

func (p *RemoveSlice) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(p.SliceID)
}

func (p *RemoveSlice) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.SliceID = r.Int32()
}

// GroupRequestSlices asks for every registered slice to be sent again.
type GroupRequestSlices struct {
	SceneID   int32
	GroupSize int32
}

func (*GroupRequestSlices) Desc() Desc { return DescGroupRequestSlices }

func (p *GroupRequestSlices) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(p.GroupSize)
}

func (p *GroupRequestSlices) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.GroupSize = r.Int32()
}

func encodeValue(w *Writer, v models.ParameterValue) {
	w.Int32(int32(v.Kind))
	switch v.Kind {
	case models.FloatParameter:
		w.Float32(v.Float)
	case models.BoolParameter:
		w.Bool(v.Bool)
	default:
		w.String(v.Choice)
		w.Strings(v.Choices)
	}
}

func decodeValue(r *Reader) models.ParameterValue {
	v := models.ParameterValue{Kind: models.ParameterKind(r.Int32())}
	switch v.Kind {
	case models.FloatParameter:
		v.Float = r.Float32()
	case models.BoolParameter:
		v.Bool = r.Bool()
	default:
		v.Choice = r.String()
		v.Choices = r.Strings()
		if len(v.Choices) == 0 {
			v.Choices = nil
		}
	}
	return v
}

// RegisterParameter declares a tunable and its current value to a client.
type RegisterParameter struct {
	SceneID int32
	Name    string
	Value   models.ParameterValue
}

func (*RegisterParameter) Desc() Desc { return DescRegisterParameter }

func (p *RegisterParameter) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.String(p.Name)
	encodeValue(w, p.Value)
}

func (p *RegisterParameter) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Name = r.String()
	p.Value = decodeValue(r)
}

// ParameterChanged carries a client's new value for a tunable.
type ParameterChanged struct {
	SceneID int32
	Name    string
	Value   models.ParameterValue
}

func (*ParameterChanged) Desc() Desc { return DescParameterChanged }

func (p *ParameterChanged) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.String(p.Name)
	encodeValue(w, p.Value)
}

func (p *ParameterChanged) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Name = r.String()
	p.Value = decodeValue(r)
}

// GeometrySpecification carries the reconstruction volume box.
type GeometrySpecification struct {
	SceneID     int32
	Parallel    bool
	Projections int32
	VolumeMin   [3]float32
	VolumeMax   [3]float32
}

func (*GeometrySpecification) Desc() Desc { return DescGeometrySpecification }

func (p *GeometrySpecification) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Bool(p.Parallel)
	w.Int32(p.Projections)
	w.Float32Array(p.VolumeMin[:])
	w.Float32Array(p.VolumeMax[:])
}

func (p *GeometrySpecification) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Parallel = r.Bool()
	p.Projections = r.Int32()
	r.Float32Array(p.VolumeMin[:])
	r.Float32Array(p.VolumeMax[:])
}

// ScanSettings updates the calibration frame counts and linearity.
type ScanSettings struct {
	SceneID       int32
	Darks         int32
	Flats         int32
	AlreadyLinear bool
}

func (*ScanSettings) Desc() Desc { return DescScanSettings }

func (p *ScanSettings) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(p.Darks)
	w.Int32(p.Flats)
	w.Bool(p.AlreadyLinear)
}

func (p *ScanSettings) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Darks = r.Int32()
	p.Flats = r.Int32()
	p.AlreadyLinear = r.Bool()
}

// ParallelBeamGeometry describes a parallel-beam scan by its angles.
type ParallelBeamGeometry struct {
	SceneID   int32
	Rows      int32
	Cols      int32
	ProjCount int32
	Angles    []float32
}

func (*ParallelBeamGeometry) Desc() Desc { return DescParallelBeamGeometry }

func (p *ParallelBeamGeometry) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(p.Rows)
	w.Int32(p.Cols)
	w.Int32(p.ProjCount)
	w.Float32s(p.Angles)
}

func (p *ParallelBeamGeometry) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Rows = r.Int32()
	p.Cols = r.Int32()
	p.ProjCount = r.Int32()
	p.Angles = r.Float32s()
}

// Geometry converts the packet into an acquisition geometry.
func (p *ParallelBeamGeometry) Geometry() models.AcquisitionGeometry {
	return models.AcquisitionGeometry{
		Rows:      int(p.Rows),
		Cols:      int(p.Cols),
		ProjCount: int(p.ProjCount),
		Beam:      models.ParallelBeam,
		Angles:    p.Angles,
	}
}

// ParallelVecGeometry describes a parallel-beam scan by projection vectors.
type ParallelVecGeometry struct {
	SceneID   int32
	Rows      int32
	Cols      int32
	ProjCount int32
	Vectors   []float32
}

func (*ParallelVecGeometry) Desc() Desc { return DescParallelVecGeometry }

func (p *ParallelVecGeometry) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(p.Rows)
	w.Int32(p.Cols)
	w.Int32(p.ProjCount)
	w.Float32s(p.Vectors)
}

func (p *ParallelVecGeometry) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Rows = r.Int32()
	p.Cols = r.Int32()
	p.ProjCount = r.Int32()
	p.Vectors = r.Float32s()
}

// Geometry converts the packet into an acquisition geometry.
func (p *ParallelVecGeometry) Geometry() models.AcquisitionGeometry {
	return models.AcquisitionGeometry{
		Rows:        int(p.Rows),
		Cols:        int(p.Cols),
		ProjCount:   int(p.ProjCount),
		Beam:        models.ParallelBeam,
		VecGeometry: true,
		Vectors:     p.Vectors,
	}
}

// ConeBeamGeometry describes a circular cone-beam scan by its angles.
type ConeBeamGeometry struct {
	SceneID        int32
	Rows           int32
	Cols           int32
	ProjCount      int32
	SourceOrigin   float32
	OriginDetector float32
	DetectorSize   [2]float32
	Angles         []float32
}

func (*ConeBeamGeometry) Desc() Desc { return DescConeBeamGeometry }

func (p *ConeBeamGeometry) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(p.Rows)
	w.Int32(p.Cols)
	w.Int32(p.ProjCount)
	w.Float32(p.SourceOrigin)
	w.Float32(p.OriginDetector)
	w.Float32Array(p.DetectorSize[:])
	w.Float32s(p.Angles)
}

func (p *ConeBeamGeometry) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Rows = r.Int32()
	p.Cols = r.Int32()
	p.ProjCount = r.Int32()
	p.SourceOrigin = r.Float32()
	p.OriginDetector = r.Float32()
	r.Float32Array(p.DetectorSize[:])
	p.Angles = r.Float32s()
}

// Geometry converts the packet into an acquisition geometry.
func (p *ConeBeamGeometry) Geometry() models.AcquisitionGeometry {
	return models.AcquisitionGeometry{
		Rows:           int(p.Rows),
		Cols:           int(p.Cols),
		ProjCount:      int(p.ProjCount),
		Beam:           models.ConeBeam,
		Angles:         p.Angles,
		SourceOrigin:   p.SourceOrigin,
		OriginDetector: p.OriginDetector,
		DetectorSize:   p.DetectorSize,
	}
}

// ConeVecGeometry describes a cone-beam scan by projection vectors.
type ConeVecGeometry struct {
	SceneID   int32
	Rows      int32
	Cols      int32
	ProjCount int32
	Vectors   []float32
}

func (*ConeVecGeometry) Desc() Desc { return DescConeVecGeometry }

func (p *ConeVecGeometry) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(p.Rows)
	w.Int32(p.Cols)
	w.Int32(p.ProjCount)
	w.Float32s(p.Vectors)
}

func (p *ConeVecGeometry) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Rows = r.Int32()
	p.Cols = r.Int32()
	p.ProjCount = r.Int32()
	p.Vectors = r.Float32s()
}

// Geometry converts the packet into an acquisition geometry.
func (p *ConeVecGeometry) Geometry() models.AcquisitionGeometry {
	return models.AcquisitionGeometry{
		Rows:        int(p.Rows),
		Cols:        int(p.Cols),
		ProjCount:   int(p.ProjCount),
		Beam:        models.ConeBeam,
		VecGeometry: true,
		Vectors:     p.Vectors,
	}
}

// Projection carries one detector frame. Shape is (rows, cols).
type Projection struct {
	SceneID int32
	Kind    models.ProjectionKind
	Index   int32
	Shape   [2]int32
	Data    []float32
}

func (*Projection) Desc() Desc { return DescProjection }

func (p *Projection) encode(w *Writer) {
	w.Int32(p.SceneID)
	w.Int32(int32(p.Kind))
	w.Int32(p.Index)
	w.Int32(p.Shape[0])
	w.Int32(p.Shape[1])
	w.Float32s(p.Data)
}

func (p *Projection) decode(r *Reader) {
	p.SceneID = r.Int32()
	p.Kind = models.ProjectionKind(r.Int32())
	p.Index = r.Int32()
	p.Shape[0] = r.Int32()
	p.Shape[1] = r.Int32()
	p.Data = r.Float32s()
}
