// Package config handles configuration loading for beacon-orchestrator.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Default() supplies every value except storage.path, so a file
// only needs to name what it changes.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BEACON_CONFIG environment variable
//  2. Path from the --config flag
//  3. $XDG_CONFIG_HOME/beacon/orchestrator.yaml
//  4. ~/.config/beacon/orchestrator.yaml
//
// Files ending in .toml are decoded as TOML, everything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	agents:
//	  password: "${ARL_PASSWORD}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	monitor:
//	  poll_interval: "5s"
//	  dwell: "10s"
//
// # Configuration Sections
//
// Storage:
//
//	storage:
//	  driver: "file"                    # file, sqlite
//	  path: "~/.local/share/beacon/state.json"
//	  secret_key: "${BEACON_SECRET}"    # optional, seals stored credentials
//
// Agents:
//
//	agents:
//	  username: "admin"
//	  password: "arlpass"
//	  insecure_tls: true     # agents use self-signed certificates
//	  page_size: 1000        # result listing size
//	  login_timeout: "5s"
//	  request_timeout: "10s"
//
// Dispatch:
//
//	dispatch:
//	  max_active_jobs: 5     # agents above this are skipped
//	  count_page_size: 100
//	  scan_options:
//	    domain_brute_type: "big"
//	    port_scan_type: "all"
//	    nuclei_scan: false
//
// Monitor and ledger:
//
//	monitor:
//	  poll_interval: "5s"
//	  dwell: "10s"           # minimum gap between partial result fetches
//	ledger:
//	  reconcile_interval: "120s"
//	  reconcile_page_size: 100
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/beacon/orchestrator.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
