// Package config loads splatproj scene files.
package config

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/gogpu/splat"
)

// Config holds a scene and projection settings.
type Config struct {
	Camera    CameraConfig     `json:"camera"`
	Gaussians []GaussianConfig `json:"gaussians"`
	Random    *RandomConfig    `json:"random,omitempty"`

	// Projection settings
	BlockWidth int     `json:"block_width"`
	GlobScale  float64 `json:"glob_scale"`
	Workers    int     `json:"workers"`

	// Outputs
	Heatmap      string `json:"heatmap"`
	HeatmapScale int    `json:"heatmap_scale"`
}

// CameraConfig describes a pinhole camera. The pose is either an explicit
// row-major world-to-camera ViewMatrix or Eye/Target/Up, from which a view
// looking down +z with y pointing down the image is built.
type CameraConfig struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Fx         float64 `json:"fx"`
	Fy         float64 `json:"fy"`
	Cx         float64 `json:"cx"`
	Cy         float64 `json:"cy"`
	ClipThresh float64 `json:"clip_thresh"`

	ViewMatrix *[16]float64 `json:"view_matrix,omitempty"`
	Eye        [3]float64   `json:"eye"`
	Target     [3]float64   `json:"target"`
	Up         [3]float64   `json:"up"`
}

// GaussianConfig is one primitive. Quat is (w, x, y, z).
type GaussianConfig struct {
	Mean  [3]float64 `json:"mean"`
	Scale [3]float64 `json:"scale"`
	Quat  [4]float64 `json:"quat"`
}

// RandomConfig generates Count gaussians uniformly inside a cube of half
// size Extent centered on the origin.
type RandomConfig struct {
	Count    int     `json:"count"`
	Seed     uint64  `json:"seed"`
	Extent   float64 `json:"extent"`
	ScaleMin float64 `json:"scale_min"`
	ScaleMax float64 `json:"scale_max"`
}

// Flags holds CLI flag values that override config file settings.
type Flags struct {
	BlockWidth int
	Workers    int
	Random     int
	Seed       uint64
	Heatmap    string
}

// Load reads a JSON config file and returns Config.
// Fields not set in the file keep their zero values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Resolve applies CLI overrides and fills empty fields with defaults.
// CLI flags take priority when non-zero/non-empty.
func (c *Config) Resolve(flags Flags) {
	if flags.BlockWidth > 0 {
		c.BlockWidth = flags.BlockWidth
	}
	if flags.Workers > 0 {
		c.Workers = flags.Workers
	}
	if flags.Heatmap != "" {
		c.Heatmap = flags.Heatmap
	}
	if flags.Random > 0 {
		if c.Random == nil {
			c.Random = &RandomConfig{}
		}
		c.Random.Count = flags.Random
		c.Random.Seed = flags.Seed
	}

	if c.BlockWidth <= 0 {
		c.BlockWidth = splat.DefaultBlockWidth
	}
	if c.GlobScale <= 0 {
		c.GlobScale = 1
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.HeatmapScale <= 0 {
		c.HeatmapScale = 4
	}

	cam := &c.Camera
	if cam.Width <= 0 {
		cam.Width = 640
	}
	if cam.Height <= 0 {
		cam.Height = 480
	}
	if cam.Fx <= 0 {
		cam.Fx = float64(cam.Width)
	}
	if cam.Fy <= 0 {
		cam.Fy = cam.Fx
	}
	if cam.Cx == 0 && cam.Cy == 0 {
		cam.Cx = 0.5 * float64(cam.Width)
		cam.Cy = 0.5 * float64(cam.Height)
	}
	if cam.ClipThresh <= 0 {
		cam.ClipThresh = splat.DefaultClipThresh
	}
	if cam.ViewMatrix == nil && cam.Eye == cam.Target {
		cam.Eye = [3]float64{0, 0, -5}
	}
	if cam.Up == [3]float64{} {
		cam.Up = [3]float64{0, 1, 0}
	}

	if r := c.Random; r != nil {
		if r.Extent <= 0 {
			r.Extent = 1
		}
		if r.ScaleMin <= 0 {
			r.ScaleMin = 0.01
		}
		if r.ScaleMax < r.ScaleMin {
			r.ScaleMax = max(0.1, r.ScaleMin)
		}
	}
}

// BuildCamera converts the camera section.
func (c *Config) BuildCamera() splat.Camera {
	cam := splat.Camera{
		Fx: c.Camera.Fx, Fy: c.Camera.Fy,
		Cx: c.Camera.Cx, Cy: c.Camera.Cy,
		Width: c.Camera.Width, Height: c.Camera.Height,
		ClipThresh: c.Camera.ClipThresh,
	}
	if m := c.Camera.ViewMatrix; m != nil {
		cam.ViewMatrix = mgl64.Mat4FromRows(
			mgl64.Vec4{m[0], m[1], m[2], m[3]},
			mgl64.Vec4{m[4], m[5], m[6], m[7]},
			mgl64.Vec4{m[8], m[9], m[10], m[11]},
			mgl64.Vec4{m[12], m[13], m[14], m[15]},
		)
		return cam
	}
	cam.ViewMatrix = LookAt(c.Camera.Eye, c.Camera.Target, c.Camera.Up)
	return cam
}

// LookAt returns a world-to-camera view matrix with the camera at eye
// looking at target. Camera space has x right, y down and z forward.
func LookAt(eye, target, up [3]float64) mgl64.Mat4 {
	gl := mgl64.LookAtV(mgl64.Vec3(eye), mgl64.Vec3(target), mgl64.Vec3(up))
	return mgl64.Scale3D(1, -1, -1).Mul4(gl)
}

// BuildGaussians returns the explicit gaussians followed by the random
// ones.
func (c *Config) BuildGaussians() []splat.Gaussian {
	out := make([]splat.Gaussian, 0, len(c.Gaussians))
	for _, g := range c.Gaussians {
		out = append(out, splat.Gaussian{
			Position: mgl64.Vec3(g.Mean),
			Scale:    mgl64.Vec3(g.Scale),
			Rotation: mgl64.Quat{W: g.Quat[0], V: mgl64.Vec3{g.Quat[1], g.Quat[2], g.Quat[3]}},
		})
	}
	if c.Random != nil {
		out = append(out, RandomGaussians(*c.Random)...)
	}
	return out
}

// RandomGaussians generates a reproducible random scene.
func RandomGaussians(r RandomConfig) []splat.Gaussian {
	rng := rand.New(rand.NewPCG(r.Seed, r.Seed^0x5851f42d4c957f2d))
	uniform := func(lo, hi float64) float64 { return lo + (hi-lo)*rng.Float64() }

	out := make([]splat.Gaussian, r.Count)
	for i := range out {
		q := mgl64.Quat{
			W: rng.NormFloat64(),
			V: mgl64.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()},
		}
		if q.Len() == 0 {
			q = mgl64.QuatIdent()
		}
		out[i] = splat.Gaussian{
			Position: mgl64.Vec3{
				uniform(-r.Extent, r.Extent),
				uniform(-r.Extent, r.Extent),
				uniform(-r.Extent, r.Extent),
			},
			Scale: mgl64.Vec3{
				uniform(r.ScaleMin, r.ScaleMax),
				uniform(r.ScaleMin, r.ScaleMax),
				uniform(r.ScaleMin, r.ScaleMax),
			},
			Rotation: q.Normalize(),
		}
	}
	return out
}
