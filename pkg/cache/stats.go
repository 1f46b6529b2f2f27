package cache

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Adds      int64
	Evictions int64

	Size   int
	Bytes  int64
	Pinned int
}

// HitRatio returns hits / (hits + misses), or 0 without lookups.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
