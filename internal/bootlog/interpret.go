package bootlog

import "time"

// Verdict is the outcome of replaying the bootstrap log.
type Verdict int

const (
	// NoTransition means no branch was ever bootstrapped; whatever is
	// running is trusted.
	NoTransition Verdict = iota
	// Healthy means the last bootstrapped branch confirmed itself.
	Healthy
	// Failed means the last bootstrapped branch never confirmed.
	Failed
)

func (v Verdict) String() string {
	switch v {
	case NoTransition:
		return "no-transition"
	case Healthy:
		return "healthy"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Interpretation describes the most recent transition in the log.
type Interpretation struct {
	Verdict Verdict
	// Transition is the last BOOTSTRAPPING entry. Zero for NoTransition.
	Transition Entry
	// Resolution is the entry that settled the transition: the confirming
	// SUCCESS or the FALLBACK that abandoned it. Zero while pending.
	Resolution *Entry
}

// Pending reports whether the last transition has neither confirmed nor
// been rolled back.
func (i Interpretation) Pending() bool {
	return i.Verdict == Failed && i.Resolution == nil
}

// Age is the time elapsed since the last transition began.
func (i Interpretation) Age(now time.Time) time.Duration {
	if i.Verdict == NoTransition {
		return 0
	}
	return now.Sub(i.Transition.Timestamp)
}

// Interpret replays entries and classifies the last transition. The last
// BOOTSTRAPPING is healthy iff a SUCCESS for the same branch follows it.
// No BOOTSTRAPPING can follow the last one, so there is never an
// intervening transition to a different branch.
func Interpret(entries []Entry) Interpretation {
	idx := -1
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Status == StatusBootstrapping {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Interpretation{Verdict: NoTransition}
	}

	result := Interpretation{Verdict: Failed, Transition: entries[idx]}
	for i := idx + 1; i < len(entries); i++ {
		e := entries[i]
		switch {
		case e.Status == StatusSuccess && e.Branch == result.Transition.Branch:
			result.Verdict = Healthy
			result.Resolution = &e
			return result
		case e.Status == StatusFallback && result.Resolution == nil:
			result.Resolution = &e
		}
	}
	return result
}
