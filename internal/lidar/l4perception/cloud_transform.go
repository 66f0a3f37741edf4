package l4perception

// TransformStats summarises one TransformCloud call.
type TransformStats struct {
	Input    int // points offered
	Excluded int // points dropped for a non-finite coordinate
}

// Kept returns the number of points that survived the transform.
func (s TransformStats) Kept() int {
	return s.Input - s.Excluded
}

// TransformCloud maps every valid point of cloud through tr. Points with a
// non-finite coordinate, before or after the transform, are excluded and
// counted. Colours are preserved. The result is tagged with tr.Target()
// and keeps the cloud's timestamp.
func TransformCloud(cloud PointCloud, tr RigidTransform) (PointCloud, TransformStats) {
	stats := TransformStats{Input: len(cloud.Points)}
	out := PointCloud{
		FrameID:   tr.Target(),
		Timestamp: cloud.Timestamp,
		Points:    make([]Point, 0, len(cloud.Points)),
	}
	for _, p := range cloud.Points {
		if !p.Valid() {
			stats.Excluded++
			continue
		}
		q := tr.ApplyPoint(p)
		if !q.Valid() {
			stats.Excluded++
			continue
		}
		out.Points = append(out.Points, q)
	}
	return out, stats
}
