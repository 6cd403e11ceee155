/*
Package deploy executes the pending work recorded in a network's dirty
flags.

A Driver runs seven phases in a fixed order:

 1. implementation: push the server code to flagged hosts
 2. builds: publish client builds for flagged (channel, sponsor) pairs
 3. data: push every host its compartmentalized view of the network
 4. stats_config: push the stats-server view
 5. email_config: regenerate and upload the autoresponder configuration
 6. provider_removals: destroy archived hosts at their provider
 7. websites: regenerate flagged sponsor download pages

Host pushes and provider calls fan out over a bounded errgroup. Each item
that fails is logged and keeps its flag, so the next Deploy resumes where
this one stopped. A phase failure never stops later phases.

Deploy is the only code path that clears dirty flags. After a Deploy that
returns nil, with no mutation in between, Network.Pending is empty.
*/
package deploy
