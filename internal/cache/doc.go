/*
Package cache implements the tiered read path.

# Tier Hierarchy

	┌──────────────────────────────────────────────┐
	│                Orchestrator                  │
	│   Get → L1 → L2 → L3 → L4, first hit wins    │
	└──────────────────────────────────────────────┘
	        │ back-fill (async, fresh InsertedAt)
	┌──────────────────────────────────────────────┐
	│ L1 Memory       FIFO bounded, short TTL      │
	│ L2 Persistent   localstore partitions        │
	│ L3 Remote       fresh / stale / expired      │
	│ L4 Fallback     bundled dataset, never fails │
	└──────────────────────────────────────────────┘

A hit at L2 is copied into L1. A usable L3 record is copied into L1 and L2.
Copies always carry the target tier's own TTL and a new InsertedAt, so an
entry never outlives its tier policy because it was old somewhere else.

L4 always answers for a valid key but counts as a miss. Callers tell real
data from fallback data through the returned tier or Result.Degraded.

# Errors

Only an invalid key fails Get. Network failures, malformed remote payloads
and corrupt local entries are logged and treated as misses.

# Usage

	o, err := cache.NewOrchestrator(cache.Config{
		L1:      cache.NewMemory(cache.MemoryConfig{TTL: 30 * time.Second, MaxEntries: 500}),
		L2:      cache.NewPersistent(store, cache.PersistentConfig{TTL: 24 * time.Hour}),
		L3:      cache.NewRemote(client, cache.RemoteConfig{StaleBudget: 15 * time.Minute}),
		L4:      cache.NewFallback(entries, json.RawMessage(`[]`)),
		Metrics: collector,
	})
	value, tier, err := o.Get(ctx, "search:coffee")
*/
package cache
