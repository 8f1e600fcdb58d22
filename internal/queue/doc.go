/*
Package queue holds writes that could not reach the remote authority and
delivers them later.

Every mutation is written to the "mutations" partition of the local store
before Enqueue returns, so a crash right after Enqueue does not lose it.

A drain (ProcessQueue) sends pending mutations highest priority first and
in creation order within a priority. Each send carries the mutation ID as an
Idempotency-Key header. A failed send increments RetryCount; when RetryCount
reaches MaxRetries the mutation is dead-lettered. Dead letters are never
retried or deleted automatically; DeadLetters, Requeue and Discard are the
operator's tools for them.

Only one drain runs at a time. A trigger that arrives while a drain is in
flight waits for it and receives its result.
*/
package queue
