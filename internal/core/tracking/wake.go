package tracking

// Signal is a coalescing wake-up. Any number of Notify calls between two
// receives on C collapse into a single wake, which is all a consumer needs
// since it always drains everything with ConsumeUpdates.
type Signal struct {
	ch chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify never blocks.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *Signal) C() <-chan struct{} {
	return s.ch
}
