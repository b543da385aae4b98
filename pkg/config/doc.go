// Package config loads the polman configuration.
//
// Values are resolved with priority environment > file > defaults. The file
// is YAML with one section per component:
//
//	db:
//	  type: sqlite
//	  path: /var/lib/polman/policies.db
//	api:
//	  host: 0.0.0.0
//	  port: 8000
//	  root: /polman
//	  enableDebugCalls: false
//	prometheus:
//	  rulesApiUrl: http://prometheus-rules:8080
//	enforcer:
//	  maxRetries: 2
//	  retryDelay: 2s
//	admission:
//	  enabled: true
//	  paths: [/etc/polman/admission]
//	  watch: true
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//
// Every key can be overridden by an environment variable named after its
// section and key, for example POLMAN_DB_TYPE, POLMAN_API_PORT,
// POLMAN_PROMETHEUS_RULES_API_URL or POLMAN_AUTHN_CLIENT_SECRET. List values
// such as POLMAN_API_ALLOWED_CORS_ORIGINS are separated by whitespace or
// commas. Durations accept Go syntax or a plain number of seconds.
package config
