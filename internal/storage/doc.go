// Package storage persists small amounts of bot state.
//
// It provides:
//   - Namespaced key/value pairs (plugin settings such as the log relay destination)
//   - Audit log appends (operator actions)
//
// Drivers: "file" (msgpack snapshot + JSON journal) and "sqlite".
package storage
