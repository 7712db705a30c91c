package solver

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"slicerecon/internal/models"
)

// parallelEpsilon is the cross product norm below which two axes are
// treated as parallel.
const parallelEpsilon = 1e-4

// SliceTransform maps world coordinates onto the canonical slab of a slice
// query: p' = Scale * Rotation(p - Center). The canonical slab is centred on
// the origin, spans [-L/2, L/2] in x and y and is one voxel thick in z, where
// L is the volume width along x.
type SliceTransform struct {
	Center   r3.Vec
	Rotation r3.Rotation
	Scale    float64
}

// rotationOnto returns the shortest-arc rotation taking the direction of x
// onto the direction of y, or the identity when they are parallel.
func rotationOnto(x, y r3.Vec) r3.Rotation {
	if r3.Norm(x) == 0 || r3.Norm(y) == 0 {
		return r3.Rotation{Real: 1}
	}
	z, w := r3.Unit(x), r3.Unit(y)
	axis := r3.Cross(z, w)
	if r3.Norm(axis) < parallelEpsilon {
		return r3.Rotation{Real: 1}
	}
	angle := math.Acos(math.Max(-1, math.Min(1, r3.Dot(z, w))))
	return r3.NewRotation(angle, r3.Unit(axis))
}

// compose returns the rotation applying a and then b.
func compose(b, a r3.Rotation) r3.Rotation {
	return r3.Rotation(quat.Mul(quat.Number(b), quat.Number(a)))
}

// NewSliceTransform builds the transform for an orientation given in
// normalized volume coordinates [-1,1]^3 against the volume box [min, max].
func NewSliceTransform(o models.Orientation, volMin, volMax [3]float32) SliceTransform {
	lo := toVec(volMin)
	extent := r3.Sub(toVec(volMax), lo)

	base := mulElem(r3.Scale(0.5, r3.Add(toVec(o.Base()), r3.Vec{X: 1, Y: 1, Z: 1})), extent)
	base = r3.Add(lo, base)
	axis1 := r3.Scale(0.5, mulElem(toVec(o.Axis1()), extent))
	axis2 := r3.Scale(0.5, mulElem(toVec(o.Axis2()), extent))

	center := r3.Add(base, r3.Scale(0.5, r3.Add(axis1, axis2)))

	rot := rotationOnto(axis1, r3.Vec{X: 1})
	rot = compose(rotationOnto(rot.Rotate(axis2), r3.Vec{Y: 1}), rot)

	scale := 1.0
	if n := r3.Norm(axis1); n > 0 {
		scale = extent.X / n
	}
	return SliceTransform{Center: center, Rotation: rot, Scale: scale}
}

// Point maps a world position into slab coordinates.
func (t SliceTransform) Point(p r3.Vec) r3.Vec {
	return r3.Scale(t.Scale, t.Rotation.Rotate(r3.Sub(p, t.Center)))
}

// Direction maps a world displacement into slab coordinates.
func (t SliceTransform) Direction(d r3.Vec) r3.Vec {
	return r3.Scale(t.Scale, t.Rotation.Rotate(d))
}

// Apply transforms every projection vector so that back-projecting the
// canonical slab with the result reconstructs the oriented plane. The
// source component is a point for cone beams and a direction for parallel
// beams.
func (t SliceTransform) Apply(beam models.BeamModel, vectors []ProjectionVector, dst []ProjectionVector) []ProjectionVector {
	if cap(dst) < len(vectors) {
		dst = make([]ProjectionVector, len(vectors))
	}
	dst = dst[:len(vectors)]
	for i, v := range vectors {
		var source r3.Vec
		if beam == models.ConeBeam {
			source = t.Point(v.Source())
		} else {
			source = t.Direction(v.Source())
		}
		dst[i] = NewProjectionVector(source, t.Point(v.Detector()), t.Direction(v.U()), t.Direction(v.V()))
	}
	return dst
}

// CanonicalSlab returns the n x n x 1 slab volume geometry for a volume box.
func CanonicalSlab(n int, volMin, volMax [3]float32) VolumeGeometry {
	half := 0.5 * (volMax[0] - volMin[0])
	thickness := half / float32(n)
	return VolumeGeometry{
		Nx: n, Ny: n, Nz: 1,
		Min: [3]float32{-half, -half, -thickness},
		Max: [3]float32{half, half, thickness},
	}
}

func toVec(a [3]float32) r3.Vec {
	return r3.Vec{X: float64(a[0]), Y: float64(a[1]), Z: float64(a[2])}
}

func mulElem(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: a.X * b.X, Y: a.Y * b.Y, Z: a.Z * b.Z}
}
