package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"slicerecon/internal/models"
)

// Vectors converts the trajectory of geom into per-projection vectors.
//
// Angle trajectories rotate about the z axis. The detector centre sits on
// the rotation axis for parallel beams and at OriginDetector behind it for
// cone beams; the source sits at SourceOrigin in front of it.
func Vectors(geom models.AcquisitionGeometry) ([]ProjectionVector, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	if geom.VecGeometry {
		vectors := make([]ProjectionVector, geom.ProjCount)
		for i := range vectors {
			copy(vectors[i][:], geom.Vectors[i*models.VectorSize:(i+1)*models.VectorSize])
		}
		return vectors, nil
	}

	dx, dy := geom.PixelSpacing()
	vectors := make([]ProjectionVector, geom.ProjCount)
	for i, angle := range geom.Angles {
		sin, cos := math.Sincos(float64(angle))
		u := r3.Vec{X: cos * float64(dx), Y: sin * float64(dx)}
		v := r3.Vec{Z: float64(dy)}

		switch geom.Beam {
		case models.ParallelBeam:
			ray := r3.Vec{X: sin, Y: -cos}
			vectors[i] = NewProjectionVector(ray, r3.Vec{}, u, v)
		case models.ConeBeam:
			dos, dod := float64(geom.SourceOrigin), float64(geom.OriginDetector)
			source := r3.Vec{X: sin * dos, Y: -cos * dos}
			det := r3.Vec{X: -sin * dod, Y: cos * dod}
			vectors[i] = NewProjectionVector(source, det, u, v)
		default:
			return nil, fmt.Errorf("%w: unknown beam model %v", models.ErrInvalidGeometry, geom.Beam)
		}
	}
	return vectors, nil
}

