package voxel

import "voxelstream.ai/internal/mathx"

// VoxelToBlock returns the coordinate of the block containing voxel v, for
// blocks of 2^po2 voxels per side.
func VoxelToBlock(v mathx.Vec3i, po2 uint) mathx.Vec3i { return v.Shr(po2) }

// BlockToVoxel returns the voxel coordinate of the block's origin corner.
func BlockToVoxel(b mathx.Vec3i, po2 uint) mathx.Vec3i { return b.Shl(po2) }

// VoxelLocal returns v relative to the origin of its block.
func VoxelLocal(v mathx.Vec3i, po2 uint) mathx.Vec3i { return v.And((1 << po2) - 1) }

// BlockToRegion returns the region containing a block, for regions of
// 2^regionPo2 blocks per side.
func BlockToRegion(b mathx.Vec3i, regionPo2 uint) mathx.Vec3i { return b.Shr(regionPo2) }
