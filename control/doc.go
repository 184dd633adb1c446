// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection for hioload-rpc.
//
// Provides:
//   - Typed configuration loaded from TOML or YAML plus environment overrides
//   - A concurrent-safe counter registry fed by the RPC engine
//   - Named debug probes exported by the engine and the script bridge
package control
