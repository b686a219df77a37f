// Package discovery provides host discovery provider implementations
// (spec.md §6). The elastic driver's core only depends on the
// elastic.Provider interface; this package supplies one concrete,
// swappable implementation so the driver is runnable end to end.
package discovery
