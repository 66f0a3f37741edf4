// Package l4perception owns the geometric core of the map accumulator.
//
// Responsibilities: rigid-transform application into the reference frame,
// additive merge of transformed batches, and voxel-grid downsampling.
// Key types: Point, PointCloud, RigidTransform, VoxelIndex.
//
// Dependency rule: this package has no knowledge of transports, sinks or
// storage. No SQL/database code is allowed in this package.
package l4perception
