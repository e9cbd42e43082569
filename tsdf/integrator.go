package tsdf

import (
	"context"
	"math"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/kinfu/frame"
	"go.viam.com/kinfu/kernel"
	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/spatialmath"
)

// WeightPolicy decides how much a single observation counts toward a voxel's running average.
type WeightPolicy string

const (
	// WeightConstant gives every observation weight 1.
	WeightConstant WeightPolicy = "constant"
	// WeightAngle weights an observation by how squarely the camera sees the surface: the
	// magnitude of the z component of the camera-space normal at the pixel, floored at
	// minAngleWeight. Pixels without a normal get weight 1.
	WeightAngle WeightPolicy = "angle"
)

const minAngleWeight = 0.1

// ParseWeightPolicy returns the policy with the given name. The empty string means WeightConstant.
func ParseWeightPolicy(s string) (WeightPolicy, error) {
	switch WeightPolicy(strings.ToLower(s)) {
	case "", WeightConstant:
		return WeightConstant, nil
	case WeightAngle:
		return WeightAngle, nil
	default:
		return "", errors.Errorf("unknown weight policy %q", s)
	}
}

// IntegrationStats counts what one fusion pass did.
type IntegrationStats struct {
	// Updated voxels were merged with an observation.
	Updated int64
	// Skipped voxels projected onto the image with a valid depth but lay too far behind the surface.
	Skipped int64
	// Unseen voxels were behind the camera, outside the image, or saw an invalid depth.
	Unseen int64
}

// An Integrator fuses posed depth frames into a Volume.
type Integrator struct {
	vol    *Volume
	policy WeightPolicy
	dev    *kernel.Device
	logger logging.Logger

	frames       atomic.Int64
	totalUpdated atomic.Int64
}

// NewIntegrator returns an integrator writing into vol.
func NewIntegrator(vol *Volume, policy WeightPolicy, dev *kernel.Device, logger logging.Logger) (*Integrator, error) {
	if vol == nil {
		return nil, errors.New("integrator needs a volume")
	}
	if _, err := ParseWeightPolicy(string(policy)); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = WeightConstant
	}
	return &Integrator{vol: vol, policy: policy, dev: dev, logger: logger}, nil
}

// Policy returns the sample weight policy in use.
func (in *Integrator) Policy() WeightPolicy {
	return in.policy
}

// FramesIntegrated returns how many frames have been fused.
func (in *Integrator) FramesIntegrated() int64 {
	return in.frames.Load()
}

// VoxelUpdates returns the total number of voxel merges across all frames.
func (in *Integrator) VoxelUpdates() int64 {
	return in.totalUpdated.Load()
}

type integrationPartial struct {
	updated, skipped, unseen int64
}

// Integrate fuses a processed frame seen from pose (camera to world) into the volume. Every voxel
// is visited independently; the pass is complete when Integrate returns.
func (in *Integrator) Integrate(ctx context.Context, f *frame.Frame, pose spatialmath.Pose) (IntegrationStats, error) {
	if f == nil || f.Depth() == nil {
		return IntegrationStats{}, errors.New("frame has no depth map")
	}
	if err := ctx.Err(); err != nil {
		return IntegrationStats{}, err
	}

	params := in.vol.params
	mu := float64(in.vol.truncation)
	maxWeight := in.vol.maxWeight
	voxels := in.vol.voxels.Data()
	worldToCamera := spatialmath.NewRigidTransform(spatialmath.PoseInverse(pose))
	intrinsics := f.Intrinsics()
	depth := f.Depth()
	depthData := depth.Data()
	width, height := depth.Width(), depth.Height()
	scale := f.DepthScale()
	normals := f.Maps().Normals
	policy := in.policy

	partials := kernel.Reduce(in.dev, len(voxels), func(lane int, p *integrationPartial) {
		i, j, k := in.vol.Coords(lane)
		c := worldToCamera.Apply(params.VoxelCenter(i, j, k))
		if c.Z <= 0 {
			p.unseen++
			return
		}
		u, v := intrinsics.PointToPixel(c.X, c.Y, c.Z)
		x, y := int(u), int(v)
		if u < 0 || v < 0 || x >= width || y >= height {
			p.unseen++
			return
		}
		pix := y*width + x
		d := depthData[pix]
		if d == 0 {
			p.unseen++
			return
		}
		sdf := scale*float64(d) - c.Z
		if sdf < -mu {
			p.skipped++
			return
		}
		if sdf > mu {
			sdf = mu
		}

		w := float32(1)
		if policy == WeightAngle {
			if n := normals[pix]; frame.IsValid(n) {
				w = float32(math.Max(minAngleWeight, math.Abs(n.Z)))
			}
		}

		vox := &voxels[lane]
		total := vox.Weight + w
		vox.Distance = (vox.Distance*vox.Weight + float32(sdf)*w) / total
		vox.Weight = float32(math.Min(float64(total), float64(maxWeight)))
		p.updated++
	})

	var stats IntegrationStats
	for _, p := range partials {
		stats.Updated += p.updated
		stats.Skipped += p.skipped
		stats.Unseen += p.unseen
	}
	in.frames.Inc()
	in.totalUpdated.Add(stats.Updated)
	in.logger.Debugw("integrated frame",
		"updated", stats.Updated, "skipped", stats.Skipped, "unseen", stats.Unseen)
	return stats, nil
}
