// Package config loads and watches the gateway configuration file.
//
// Top-level sections:
//   - bus: backend (mqtt|memory), broker, topic, client_id, credentials,
//     qos, on_failure (exit|retry), publish_buffer
//   - peer: listen_port (4444), poll_interval (1s), write_timeout, and the
//     batch limits max_batch (6), max_stale_send (3), discard_age (300s),
//     update_age (30s)
//   - monitor: interval (5s) of the queue-depth/snapshot tick
//   - persistence: path of the YAML snapshot; empty disables it
//   - http: optional status server address and ws broadcast interval
//   - log: level (debug|info|warn|error)
//
// Load(path) reads the YAML file, applies defaults, then validates required
// fields and enums. Read(path) skips validation so flags can be layered on
// top first.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. The gateway applies batch limits and
// log level live; everything else needs a restart.
package config
