/*
Package metrics observes cache, queue and remote activity.

Every orchestrator read ends in exactly one RecordHit or RecordMiss, so for
any snapshot CacheHits+CacheMisses == TotalQueries and HitRate stays within
[0, 1]. Answers from the static fallback count as misses.

Session counters are always kept. When Config.Enabled is set the same events
are exported on a private Prometheus registry:

	placesync_cache_requests_total{result,tier}
	placesync_cache_backfill_failures_total{tier}
	placesync_remote_request_duration_seconds{operation,status}
	placesync_mutations_total{outcome}
	placesync_queue_mutations{status}
	placesync_flag_evaluations_total{flag,result}
*/
package metrics
