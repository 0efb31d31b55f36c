// Make interpreted calls visible to native profilers
//
// A sampling profiler such as perf only sees native frames. When an
// interpreter runs every interpreted function through one dispatch routine,
// all interpreted calls look the same on a native stack. This package gives
// each interpreted function its own small piece of native code (a
// trampoline) that calls the dispatch routine, and tells the profiler which
// function each trampoline belongs to.
//
// Trampolines are copies of a per-architecture template, carved out of
// executable arenas that are mapped writable, filled, then flipped to
// read+exec. Mappings are published through a Backend; the perfmap and
// jitdump packages provide the two formats perf understands.
//
// Limitations:
//   - Native trampolines need cgo on a Unix amd64 or arm64 host. Elsewhere
//     trampolines are still allocated and registered, but the dispatch
//     routine is called directly.
//   - Teardown must not run while interpreted code is executing.
package perftramp
