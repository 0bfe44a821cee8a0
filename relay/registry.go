package relay

import "sort"

// subscriptionRegistry tracks the set of topics the caller wants delivered.
// Membership is idempotent and replay order is deterministic (sorted), so a
// reconnect reissues every topic exactly once. Like the outbound queue, the
// registry is guarded by the session's critical section.
type subscriptionRegistry struct {
	topics map[string]struct{}
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{topics: make(map[string]struct{})}
}

// add records a topic and reports whether it was newly inserted.
func (registry *subscriptionRegistry) add(topic string) bool {
	if _, exists := registry.topics[topic]; exists {
		return false
	}
	registry.topics[topic] = struct{}{}
	return true
}

func (registry *subscriptionRegistry) remove(topic string) {
	delete(registry.topics, topic)
}

func (registry *subscriptionRegistry) contains(topic string) bool {
	_, exists := registry.topics[topic]
	return exists
}

func (registry *subscriptionRegistry) clear() []string {
	cleared := registry.list()
	registry.topics = make(map[string]struct{})
	return cleared
}

func (registry *subscriptionRegistry) list() []string {
	topics := make([]string, 0, len(registry.topics))
	for topic := range registry.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func (registry *subscriptionRegistry) size() int {
	return len(registry.topics)
}
