package rawsocket

import "sync"

// Resolution records which event settled a request.
type Resolution string

const (
	ResolvedByData  Resolution = "data"
	ResolvedByError Resolution = "error"
	ResolvedByClose Resolution = "close"
	ResolvedByTimer Resolution = "timeout"
)

// Response is the settled result of one Send.
type Response struct {
	Success    bool
	Raw        string
	Reason     string
	ResolvedBy Resolution
}

// settlement is a single-assignment result slot. The first resolve wins and
// every later resolve is a no-op.
type settlement struct {
	once     sync.Once
	done     chan struct{}
	response Response
}

func newSettlement() *settlement {
	return &settlement{done: make(chan struct{})}
}

// resolve stores r if the slot is empty and reports whether it did.
func (s *settlement) resolve(r Response) bool {
	won := false
	s.once.Do(func() {
		s.response = r
		won = true
		close(s.done)
	})
	return won
}

// wait blocks until the slot is filled.
func (s *settlement) wait() Response {
	<-s.done
	return s.response
}
