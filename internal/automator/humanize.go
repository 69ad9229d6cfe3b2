package automator

import (
	"math/rand"
	"time"
)

// humanizer produces randomized human-like delays. Uniform timing is the
// loudest automation signal a page can observe.
type humanizer struct {
	minAction time.Duration
	maxAction time.Duration
	minKey    time.Duration
	maxKey    time.Duration
}

func newHumanizer(minActionMs, maxActionMs, minKeyMs, maxKeyMs int) humanizer {
	h := humanizer{
		minAction: time.Duration(minActionMs) * time.Millisecond,
		maxAction: time.Duration(maxActionMs) * time.Millisecond,
		minKey:    time.Duration(minKeyMs) * time.Millisecond,
		maxKey:    time.Duration(maxKeyMs) * time.Millisecond,
	}
	if h.minAction <= 0 {
		h.minAction = 400 * time.Millisecond
	}
	if h.maxAction <= h.minAction {
		h.maxAction = h.minAction + 1200*time.Millisecond
	}
	if h.minKey <= 0 {
		h.minKey = 30 * time.Millisecond
	}
	if h.maxKey <= h.minKey {
		h.maxKey = h.minKey + 90*time.Millisecond
	}
	return h
}

// actionDelay returns a pause before/after a page interaction.
func (h humanizer) actionDelay() time.Duration {
	return h.minAction + time.Duration(rand.Int63n(int64(h.maxAction-h.minAction)))
}

// keyDelay returns the cadence between two typed characters.
func (h humanizer) keyDelay() time.Duration {
	return h.minKey + time.Duration(rand.Int63n(int64(h.maxKey-h.minKey)))
}
