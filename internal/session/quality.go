package session

import "time"

const rttSamples = 10

// QualityInputs are the signals behind a session's quality score.
type QualityInputs struct {
	AvgRTT         time.Duration
	SinceLastEvent time.Duration
	IdleWindow     time.Duration
	Reconnects     int
	Pushed         int64
}

// Score maps inputs to 0..100. Penalties: heartbeat latency above 200ms
// (up to 40), idleness beyond the idle window (up to 30), 10 per reconnect
// (up to 30). Pushed messages add a bonus of at most 5.
func Score(in QualityInputs) int {
	score := 100.0

	if in.AvgRTT > 200*time.Millisecond {
		over := float64(in.AvgRTT-200*time.Millisecond) / float64(1800*time.Millisecond)
		score -= 40 * min(over, 1)
	}
	if in.IdleWindow > 0 && in.SinceLastEvent > in.IdleWindow {
		over := float64(in.SinceLastEvent-in.IdleWindow) / float64(2*in.IdleWindow)
		score -= 30 * min(over, 1)
	}
	score -= float64(min(10*in.Reconnects, 30))
	score += float64(min(in.Pushed/20, 5))

	return int(max(0, min(100, score)))
}

// rttWindow keeps the last rttSamples heartbeat round trips.
type rttWindow struct {
	samples [rttSamples]time.Duration
	n, next int
}

func (w *rttWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % rttSamples
	if w.n < rttSamples {
		w.n++
	}
}

func (w *rttWindow) avg() time.Duration {
	if w.n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < w.n; i++ {
		sum += w.samples[i]
	}
	return sum / time.Duration(w.n)
}
