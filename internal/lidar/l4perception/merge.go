package l4perception

// Merge concatenates incoming onto accumulated. Neither input is
// modified; the result owns a freshly allocated point slice. The merged
// cloud keeps the accumulated frame and takes the incoming timestamp.
// Duplicates are kept: collapsing them is VoxelGrid's job.
func Merge(accumulated, incoming PointCloud) PointCloud {
	points := make([]Point, 0, len(accumulated.Points)+len(incoming.Points))
	points = append(points, accumulated.Points...)
	points = append(points, incoming.Points...)

	ts := incoming.Timestamp
	if ts.IsZero() {
		ts = accumulated.Timestamp
	}
	return PointCloud{
		FrameID:   accumulated.FrameID,
		Timestamp: ts,
		Points:    points,
	}
}
