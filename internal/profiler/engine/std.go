package engine

import "sync/atomic"

// std is the process-wide engine instance behind the public profiler
// package. Nil until startup succeeds; the public shims check for nil,
// so wrapped primitives in unprofiled runs cost one atomic load.
var std atomic.Pointer[Engine]

// Default returns the process engine, or nil before startup.
func Default() *Engine { return std.Load() }

// SetDefault installs e as the process engine.
func SetDefault(e *Engine) { std.Store(e) }
