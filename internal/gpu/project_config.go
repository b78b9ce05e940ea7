//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/splat"
)

// Record strides of the kernel's flat buffers, in 4-byte words.
const (
	meanStride   = 3
	covStride    = 6
	outFStride   = 7
	outIStride   = 2
	wordSize     = 4
	configLength = 112
)

// ProjectConfig is the uniform block of the projection kernel.
// Must match ProjectConfig in project.wgsl.
type ProjectConfig struct {
	ViewMatrix [16]float32 // column-major, as mat4x4<f32>
	Focal      [2]float32
	Principal  [2]float32
	ImgSize    [2]uint32 // width, height
	TileBounds [2]uint32
	ClipThresh float32
	BlockWidth uint32
	NumPoints  uint32
	Padding    uint32
}

// newProjectConfig converts a validated request to the kernel uniform.
func newProjectConfig(req *splat.ProjectRequest) ProjectConfig {
	cam := req.Camera
	tiles := splat.NewTileBounds(cam.Width, cam.Height, req.BlockWidth)

	var cfg ProjectConfig
	for i, v := range cam.ViewMatrix {
		cfg.ViewMatrix[i] = float32(v)
	}
	cfg.Focal = [2]float32{float32(cam.Fx), float32(cam.Fy)}
	cfg.Principal = [2]float32{float32(cam.Cx), float32(cam.Cy)}
	cfg.ImgSize = [2]uint32{uint32(cam.Width), uint32(cam.Height)} //nolint:gosec // validated positive
	cfg.TileBounds = [2]uint32{uint32(tiles.X), uint32(tiles.Y)}   //nolint:gosec // derived from positive dims
	cfg.ClipThresh = float32(cam.ClipThresh)
	cfg.BlockWidth = uint32(req.BlockWidth) //nolint:gosec // validated in [2, 16]
	cfg.NumPoints = uint32(req.Len())       //nolint:gosec // bounded by maxPoints
	return cfg
}

// toBytes serializes the config in std140 layout.
func (c ProjectConfig) toBytes() []byte {
	buf := make([]byte, configLength)
	off := 0
	putF := func(v float32) {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += wordSize
	}
	putU := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += wordSize
	}
	for _, v := range c.ViewMatrix {
		putF(v)
	}
	putF(c.Focal[0])
	putF(c.Focal[1])
	putF(c.Principal[0])
	putF(c.Principal[1])
	putU(c.ImgSize[0])
	putU(c.ImgSize[1])
	putU(c.TileBounds[0])
	putU(c.TileBounds[1])
	putF(c.ClipThresh)
	putU(c.BlockWidth)
	putU(c.NumPoints)
	putU(c.Padding)
	return buf
}

// packInputs flattens means and packed covariances to float32 arrays.
func packInputs(req *splat.ProjectRequest) (means, covs []float32) {
	n := req.Len()
	means = make([]float32, meanStride*n)
	covs = make([]float32, covStride*n)
	for i := range n {
		for k := range meanStride {
			means[meanStride*i+k] = float32(req.Means[i][k])
		}
		for k := range covStride {
			covs[covStride*i+k] = float32(req.Covs[i][k])
		}
	}
	return means, covs
}

func float32sToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*wordSize)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*wordSize:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32s(b []byte, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*wordSize:]))
	}
}

func bytesToInt32s(b []byte, dst []int32) {
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint32(b[i*wordSize:])) //nolint:gosec // bit reinterpretation
	}
}

// unpackOutputs copies kernel outputs into a projection.
func unpackOutputs(outF []float32, outI []int32, proj *splat.Projection) {
	for i := range proj.Len() {
		f := outF[outFStride*i : outFStride*(i+1)]
		proj.XYs[i][0] = float64(f[0])
		proj.XYs[i][1] = float64(f[1])
		proj.Depths[i] = float64(f[2])
		proj.Conics[i] = splat.Conic{float64(f[3]), float64(f[4]), float64(f[5])}
		proj.Compensation[i] = float64(f[6])
		proj.Radii[i] = int(outI[outIStride*i])
		proj.NumTilesHit[i] = int(outI[outIStride*i+1])
	}
}
