/*
Package events carries orchestration events from the startup driver to
whoever is watching: the status server's recent-events list, log tailers,
tests.

The Broker is a buffered in-process fan-out. Publishing never blocks the
driver; when buffers are full events are dropped rather than delaying a
run.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	recent := events.NewRecent(200)
	recent.Follow(broker.Subscribe())

	broker.Publish(events.New(events.EventServiceStarted, "proxy started", "service", "proxy"))

Event types cover run boundaries (run.started, run.completed, run.failed,
run.skipped), per-service outcomes (service.started, service.failed) and
CA milestones (ca.bootstrapped, certificate.issued).
*/
package events
