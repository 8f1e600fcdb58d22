/*
Package types holds the data model and collaborator interfaces shared by the
placesync packages.

# Tiers

Reads probe four tiers in order and stop at the first usable value:

	L1  in-process map, short TTL, FIFO bounded         (internal/cache)
	L2  on-device store, longer TTL, survives restarts  (internal/localstore)
	L3  remote authoritative cache, fresh/stale/expired (internal/remote)
	L4  bundled static dataset, always answers          (internal/bundle)

A hit at a slower tier is copied into the faster tiers with a fresh
InsertedAt and the target tier's own TTL. L4 answers are counted as misses.

# Mutations

QueuedMutation records a write that could not reach the remote authority.
The ID is sent as an idempotency key on every attempt. RetryCount grows by
one per failed drain and a mutation whose RetryCount reaches MaxRetries is
dead-lettered and kept until an operator acts on it.

# Flags

FeatureFlag evaluation precedence is: disabled, user allow-list, region
allow-list, then a stable percentage bucket derived from flag name and user ID.
*/
package types
