package relay

// outboundQueue is the ordered buffer of envelopes awaiting transmission.
// Envelopes accumulate here while no connection is active and are drained in
// FIFO order once a candidate connection is promoted. The queue itself is not
// synchronized; the session mutates it only inside its critical section.
type outboundQueue struct {
	envelopes []Envelope
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{}
}

func (queue *outboundQueue) push(envelope Envelope) {
	queue.envelopes = append(queue.envelopes, envelope)
}

// drain returns every queued envelope in arrival order and empties the queue.
func (queue *outboundQueue) drain() []Envelope {
	drained := queue.envelopes
	queue.envelopes = nil
	return drained
}

func (queue *outboundQueue) clear() {
	queue.envelopes = nil
}

func (queue *outboundQueue) depth() int {
	return len(queue.envelopes)
}
