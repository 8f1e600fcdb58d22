/*
Package adapter assembles placesync from a Configuration.

Engine is the single process-wide handle. New builds every component in
dependency order:

	metrics collector
	remote client (retry, circuit breaker)   local store
	        │                                     │
	L3 tier (http or redis)      L1 memory   L2 persistent   L4 fallback bundle
	        └──────────── cache orchestrator ────────────┘
	mutation queue (local store + remote client)
	flag evaluator (remote client)
	connectivity monitor (remote health probe)

Start launches the background work (connectivity probing and queue drains)
and Stop shuts it down and closes the store.

# Writes

Write attempts the remote authority first. Transient failures, an open
circuit and a known-offline state all hand the mutation to the queue and
report Queued. A rejection by the authority (4xx) is returned to the caller
and nothing is queued.
*/
package adapter
