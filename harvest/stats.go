package harvest

// Stats accumulates the outcome of one run. Each phase returns its own Stats
// and the worker merges them, so no phase shares mutable counters.
type Stats struct {
	Fetched        int
	Inserted       int
	Updated        int
	DetailsFetched int
	DetailsErrors  int
	Errors         int
}

func (s *Stats) Add(other Stats) {
	s.Fetched += other.Fetched
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.DetailsFetched += other.DetailsFetched
	s.DetailsErrors += other.DetailsErrors
	s.Errors += other.Errors
}
