// Package event provides the typed events and the synchronous bus at the
// center of the shell core.
//
// # Events
//
// An Event is a value: a Type from a closed, versioned enumeration plus an
// optional payload. Events carry no identity; the queue assigns one when it
// stores an event.
//
//	evt := event.New(event.TypeTabOpen, event.TabPayload{URL: "https://arxiv.org/abs/123"})
//
// # Bus
//
// Bus.Emit delivers to every listener in registration order, on the
// caller's goroutine. A panicking listener is recovered and logged; later
// listeners still run and the emitter never sees the failure.
//
//	bus := event.NewBus(event.BusConfig{Logger: logger})
//	unsubscribe := bus.Subscribe(func(evt event.Event) {
//	    // react
//	})
//	defer unsubscribe()
//
// # Queue policy
//
// Once a queue is attached with AttachQueue, critical events (commands and
// automation start/complete/fail) and every event emitted while offline are
// handed to the queue instead. The queue replays them later through
// Bus.Deliver, which reports listener failures so they can be retried.
package event
