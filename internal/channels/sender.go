package channels

import "sync"

// orderedSender serializes deliveries per destination. Each enqueued send
// chains on the previous one for the same destination, so out-of-order
// completion of the underlying transport calls can never reorder what one
// destination observes. Different destinations proceed concurrently.
type orderedSender struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

func newOrderedSender() *orderedSender {
	return &orderedSender{tails: make(map[string]chan struct{})}
}

// enqueue schedules send after every previously enqueued send for the same
// destination has finished.
func (s *orderedSender) enqueue(destinationID string, send func()) {
	done := make(chan struct{})

	s.mu.Lock()
	prev := s.tails[destinationID]
	s.tails[destinationID] = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		send()
	}()
}

// wait blocks until every enqueued send has finished.
func (s *orderedSender) wait() {
	s.wg.Wait()
}
