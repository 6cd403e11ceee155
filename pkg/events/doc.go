/*
Package events carries progress notifications from long-running operator
commands: server launches, rotation, pruning and the deploy phases.

Publishers call Publish or Emit; the broker stamps an id and timestamp,
keeps the event in a bounded history and hands it to every subscriber whose
buffer has room:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for e := range sub {
			fmt.Println(e.Type, e.Message)
		}
	}()

Publishing never blocks. Slow subscribers miss events rather than stall a
deploy, and Recent always has the latest history for the CLI summary.
Rotation and deploy accept a nil *Broker, which drops everything.
*/
package events
