/*
Package shellcore wires the event and automation core of a browser shell.

# Overview

The core has four services:

  - event.Bus delivers events synchronously to listeners
  - queue.Queue holds events that must survive connectivity loss
  - automation.Engine runs actions as bounded, cancellable executions
  - trigger.Router turns matching events into engine executions

A crosstab.Synchronizer mirrors session status (active tab, last activity,
running automations, queue depth) across browsing contexts of one profile.

Producers call Emit. Critical events and events raised while offline go
through the queue; the rest are delivered immediately. The router is a bus
listener, and the engine's lifecycle events flow back through the same bus.

# Basic Usage

	settings := config.Defaults()
	core, err := shellcore.Open(ctx, settings)
	if err != nil {
	    return err
	}
	defer core.Close(context.Background())

	core.Actions.MustRegister("summarize", summarize)
	_, err = core.Router.CreateRule(ctx, trigger.Rule{
	    Name:    "Summarize arXiv papers",
	    Enabled: true,
	    Trigger: trigger.Trigger{Event: event.TypeTabOpen, Match: `url contains "arxiv.org"`},
	    Action:  "summarize",
	})

	go core.Run(ctx)
	core.Emit(ctx, event.New(event.TypeTabOpen, "https://arxiv.org/abs/123"))

# Persistence

Everything persists through one kv.Store per profile: the event queue under
"event_queue", rules under "automation_rules" and the shared session state
under "shared_session_state". Open chooses SQLite, per-key files or memory
from the settings; New accepts any store.
*/
package shellcore
