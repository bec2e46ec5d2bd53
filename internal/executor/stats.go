package executor

import "time"

// Stats holds counts over a batch of outcomes.
type Stats struct {
	Queries int
	OK      int
	Failed  int
	Cached  int
	Routes  int
	Elapsed time.Duration
}

// Summarize counts outcomes. Elapsed is the slowest query, which for a
// concurrent batch approximates its wall time.
func Summarize(outcomes []*Outcome) *Stats {
	s := &Stats{Queries: len(outcomes)}
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		switch o.State {
		case StateDone:
			s.OK++
			if o.Result != nil {
				s.Routes += len(o.Result.Routes)
			}
		case StateFailed:
			s.Failed++
		}
		if o.Cached {
			s.Cached++
		}
		if o.Elapsed > s.Elapsed {
			s.Elapsed = o.Elapsed
		}
	}
	return s
}

// GetOK returns the OK count (implements output.Stats).
func (s *Stats) GetOK() int { return s.OK }

// GetFailed returns the Failed count (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetCached returns the Cached count (implements output.Stats).
func (s *Stats) GetCached() int { return s.Cached }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Elapsed }
