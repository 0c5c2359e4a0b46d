package record

// splitter decides when the active session's output has hit the part size
// ceiling. It latches: once tripped it stays tripped until reset for the
// next part, so a slow stop does not re-fire it on every poll tick.
type splitter struct {
	max   int64
	fired bool
}

func newSplitter(max int64) *splitter { return &splitter{max: max} }

// trip reports whether bytes crossed the ceiling for the first time.
func (s *splitter) trip(bytes int64) bool {
	if s.max <= 0 || s.fired || bytes < s.max {
		return false
	}
	s.fired = true
	return true
}

func (s *splitter) reset() { s.fired = false }
