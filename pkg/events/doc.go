/*
Package events provides an in-memory event broker for node manager
notifications.

The heartbeat manager publishes a state.changed event for every running
state transition, the fault manager publishes command lifecycle events and
the daemon manager publishes child exits. The application root subscribes to
keep the Prometheus state gauge current; tests subscribe to observe the exact
sequence of transitions.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["from"], "->", ev.Metadata["to"])
	}

Publish never blocks. Events are queued (capacity 1024) and delivered by a
single goroutine, so subscribers see them in publish order. A subscriber
whose buffer is full misses the event; a full queue drops it and increments
Dropped.
*/
package events
