/*
Package config loads and validates the placesync configuration.

Sources are applied in this order, later ones winning:

	defaults      NewDefault()
	YAML file     LoadFromFile (or viper in cmd/placesync)
	environment   LoadFromEnv, PLACESYNC_* variables

Validate must pass before the engine starts. A missing remote endpoint or an
unknown tier backend fails with a configuration error rather than degrading
at runtime.

Example:

	global:
	  data_dir: ~/.placesync
	  logging: {level: info, format: json}
	remote:
	  endpoint: https://api.example.com
	cache:
	  l1: {ttl: 30s, max_entries: 500}
	  l3: {backend: http, stale_budget: 15m}
	  l4: {source: file, path: /usr/share/placesync/bundle.yaml}
	queue:
	  max_retries: 5
*/
package config
