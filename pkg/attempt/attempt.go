package attempt

import (
	"time"
)

// Strategy describes how often an operation is retried: attempts are made
// every Delay until Total has elapsed (with at least Min attempts made,
// regardless of elapsed time).
type Strategy struct {
	Total time.Duration // total duration of attempt
	Delay time.Duration // interval between each try
	Min   int           // minimum number of attempts
}

type Attempt struct {
	strategy Strategy
	last     time.Time
	end      time.Time
	force    bool
	count    int
}

// Start begins a new sequence of attempts for the given strategy.
func (s Strategy) Start() *Attempt {
	now := time.Now()
	return &Attempt{
		strategy: s,
		last:     now,
		end:      now.Add(s.Total),
		force:    true,
	}
}

// Next waits until it is time for the next attempt, and reports whether one
// should be made. It always returns true the first time it is called.
func (a *Attempt) Next() bool {
	now := time.Now()
	sleep := a.nextSleep(now)
	if !a.force && !now.Add(sleep).Before(a.end) && a.strategy.Min <= a.count {
		return false
	}
	a.force = false
	if sleep > 0 && a.count > 0 {
		time.Sleep(sleep)
		now = time.Now()
	}
	a.count++
	a.last = now
	return true
}

func (a *Attempt) nextSleep(now time.Time) time.Duration {
	sleep := a.strategy.Delay - now.Sub(a.last)
	if sleep < 0 {
		return 0
	}
	return sleep
}

// HasNext reports whether another attempt will be made if the current one
// fails. If it returns true, the following call to Next is guaranteed to
// return true.
func (a *Attempt) HasNext() bool {
	if a.force || a.strategy.Min > a.count {
		return true
	}
	now := time.Now()
	if now.Add(a.nextSleep(now)).Before(a.end) {
		a.force = true
		return true
	}
	return false
}

// Run retries f until it succeeds or the strategy is exhausted, returning
// the last error seen.
func (s Strategy) Run(f func() error) error {
	var err error
	for a := s.Start(); a.Next(); {
		err = f()
		if err == nil {
			return nil
		}
	}
	return err
}
