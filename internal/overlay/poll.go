package overlay

import (
	"context"
	"time"
)

// messagesPerConnectionPerTurn is N in spec.md §4.F: the poll loop drains
// at most this many pending messages per connection per turn.
const messagesPerConnectionPerTurn = 10

// maxBackoffStep is the cap on the adaptive poll delay.
const maxBackoffStep = 10 * time.Millisecond

// Dispatch is invoked by the poll loop for every drained message, tagged
// with the connection it arrived on.
type Dispatch func(handle ConnectionHandle, peer PeerIdentity, data []byte)

// StartPoll launches the single poll goroutine that is the sole reader of
// every connection's inbox. Back-off is adaptive: any message received this
// turn resets the delay to zero; otherwise the delay grows by one
// millisecond, capped at maxBackoffStep (spec.md §8 property/S6).
func (s *Session) StartPoll(ctx context.Context, dispatch Dispatch) {
	pollCtx, cancel := context.WithCancel(ctx)
	s.stopPoll = cancel

	go func() {
		delay := time.Duration(0)
		for {
			select {
			case <-pollCtx.Done():
				return
			default:
			}

			received := s.pollTurn(dispatch)

			if received {
				delay = 0
			} else if delay < maxBackoffStep {
				delay += time.Millisecond
			}

			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-pollCtx.Done():
					timer.Stop()
					return
				}
			}
		}
	}()
}

func (s *Session) pollTurn(dispatch Dispatch) bool {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	received := false
	for _, c := range conns {
		msgs := c.drain(messagesPerConnectionPerTurn)
		for _, msg := range msgs {
			received = true
			dispatch(c.handle, c.peer, msg)
		}

		select {
		case <-c.Done():
			s.remove(c.handle)
		default:
		}
	}
	return received
}
