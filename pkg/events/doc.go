/*
Package events provides an in-memory event broker for scaling lifecycle
notifications.

The broker is a lightweight fan-out bus: publishers send events to a
buffered channel, a broadcast loop copies each event to every subscriber
channel, and slow subscribers skip rather than block the publisher.
Delivery is best effort; nothing in the control plane depends on an event
arriving.

Event types:

	group.created          a scaling group was created
	group.deleted          a scaling group was deleted
	policy.executed        a policy execution changed capacity
	server.launched        a launch job produced an active server
	server.launch_failed   a launch job failed and was abandoned
	server.deleted         a server was removed and verified gone

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s %s/%s: %s\n",
				event.Type, event.TenantID, event.GroupID, event.Message)
		}
	}()
*/
package events
