// Package dedup decides, per feed entry, whether a run accepts it, skips it
// as an in-run repeat, or has caught up with already stored history.
package dedup

import (
	"context"
	"fmt"
)

type Outcome int

const (
	Accept Outcome = iota
	Skip
	StopRun
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Skip:
		return "skip"
	case StopRun:
		return "stop"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Checker reports whether a (timestamp, body) pair is already stored.
type Checker interface {
	Exists(ctx context.Context, timestamp, body string) (bool, error)
}

type pair struct {
	timestamp, body string
}

// Tracker holds the timestamps seen during one run. It must not be shared
// between runs.
type Tracker struct {
	store    Checker
	seen     map[string]struct{}
	accepted map[pair]struct{}
}

func NewTracker(store Checker) *Tracker {
	return &Tracker{
		store:    store,
		seen:     make(map[string]struct{}),
		accepted: make(map[pair]struct{}),
	}
}

// Check classifies one entry.
//
// An entry this run already accepted is an in-run repeat, not history, even
// though it is stored by now. Otherwise the durable lookup comes first: an
// entry stored before this run stops it even when its timestamp was seen
// earlier in the run. A failed lookup is returned alongside the outcome
// computed as if the entry were not stored.
func (t *Tracker) Check(ctx context.Context, timestamp, body string) (Outcome, error) {
	p := pair{timestamp: timestamp, body: body}
	if _, ok := t.accepted[p]; ok {
		return Skip, nil
	}

	exists, err := t.store.Exists(ctx, timestamp, body)
	if err != nil {
		err = fmt.Errorf("check existence of %q: %w", timestamp, err)
	} else if exists {
		return StopRun, nil
	}

	if _, ok := t.seen[timestamp]; ok {
		return Skip, err
	}
	t.seen[timestamp] = struct{}{}
	t.accepted[p] = struct{}{}
	return Accept, err
}

// Seen returns how many distinct timestamps were accepted so far.
func (t *Tracker) Seen() int {
	return len(t.seen)
}
