package streamer

// Metrics is a read-only view refreshed by the loop goroutine at the end of
// every tick. HTTP handlers and the observer surface read it without
// touching loop state.
type Metrics struct {
	Tick       uint64  `json:"tick"`
	Terrain    string  `json:"terrain"`
	Generation uint64  `json:"generation"`
	Sessions   int     `json:"sessions"`
	CacheLen   int     `json:"cache_len"`
	HavePose   bool    `json:"have_pose"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`

	BuiltTotal     uint64 `json:"built_total"`
	EvictedTotal   uint64 `json:"evicted_total"`
	ContendedTotal uint64 `json:"contended_total"`
	BuildErrors    uint64 `json:"build_errors"`
	DestroyErrors  uint64 `json:"destroy_errors"`
	SwitchTotal    uint64 `json:"switch_total"`

	StepMS float64 `json:"step_ms"`

	QueueDepths QueueDepths `json:"queue_depths"`
}

type QueueDepths struct {
	Pose   int `json:"pose"`
	Join   int `json:"join"`
	Leave  int `json:"leave"`
	Switch int `json:"switch"`
}

func (s *Streamer) publishMetrics(tick uint64, stepMS float64) {
	s.metrics.Store(Metrics{
		Tick:           tick,
		Terrain:        s.store.Current().Name,
		Generation:     s.store.Generation(),
		Sessions:       len(s.sessions),
		CacheLen:       s.cache.Len(),
		HavePose:       s.havePose,
		X:              s.curX,
		Y:              s.curY,
		BuiltTotal:     s.builtTotal,
		EvictedTotal:   s.evictedTotal,
		ContendedTotal: s.contendedTotal,
		BuildErrors:    s.buildErrors,
		DestroyErrors:  s.destroyErrors,
		SwitchTotal:    s.switchTotal,
		StepMS:         stepMS,
		QueueDepths: QueueDepths{
			Pose:   len(s.poseCh),
			Join:   len(s.join),
			Leave:  len(s.leave),
			Switch: len(s.switchCh),
		},
	})
}

// Metrics returns the most recent snapshot.
func (s *Streamer) Metrics() Metrics {
	if m, ok := s.metrics.Load().(Metrics); ok {
		return m
	}
	return Metrics{}
}
