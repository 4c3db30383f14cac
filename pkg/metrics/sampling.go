package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards a fraction of the events named in sampled and every
// other event unchanged. The relay samples per-frame audio events this way.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	sampled     map[string]bool
	counter     uint64
}

func NewSamplingObserver(inner Observer, rate float64, sampled ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	names := make(map[string]bool, len(sampled))
	for _, n := range sampled {
		names[n] = true
	}
	return &SamplingObserver{inner: inner, sampleEvery: every, sampled: names}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if len(s.sampled) > 0 && !s.sampled[ev.Name] {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	n := atomic.AddUint64(&s.counter, 1)
	if n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
