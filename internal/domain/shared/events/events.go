package events

import "time"

// DomainEvent is a fact published by the domain and carried over the realtime channel.
type DomainEvent interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}

// Names returns the event names in order, mostly useful in logs and tests.
func Names(evs []DomainEvent) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		out = append(out, ev.EventName())
	}
	return out
}
