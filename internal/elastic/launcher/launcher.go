// Package launcher provides worker process launcher implementations
// (spec.md §6). The elastic driver's core only depends on the
// elastic.Launcher interface; this package supplies one concrete
// implementation that runs an external command per slot.
package launcher
