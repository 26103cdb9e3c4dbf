// Package manager is the servable reconciler. It owns the table of servables
// keyed by (name, version) and applies ENABLE, DISABLE and DELETE actions to it
// while inference requests read it concurrently. It is structured into small
// files by concern:
//
//   - manager.go: core Manager type, table access, simple getters.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: State, Servable, Outcome and the table entry.
//   - errors.go: error types and helpers (IsValidation, IsServableNotFound, IsTooBusy).
//   - apply.go: per-servable state machine (enable, disable, delete, runtime failure).
//   - reconcile.go: full desired-state passes.
//   - lookup.go: lock-light read path used by requests.
//   - admission.go: per-servable queueing and generation admission.
//   - infer.go: inference entry point and NDJSON streaming.
//   - status.go: Status reporting helpers.
//   - ops.go: background directives with operation IDs.
//
// Each servable moves Absent → Loading → Served → Unloading → Absent, with
// Failed reachable from Loading (load error) and Served (runtime failure).
// Transitions of one servable are serialized by its entry lock; Lookup only
// takes the table read lock and reads an atomic state, so it never waits for
// a load. Every successful load puts its resource in a fresh handoff.Handoff:
// DISABLE invalidates that handoff and the loader's Unload runs when the last
// in-flight request releases its view. Handles cloned before a DISABLE never
// reach an instance loaded after it.
//
// Build tags and runtimes:
//
//   - In-process llama (standard):
//     Uses go-llama.cpp. Enabled with `-tags=llama`.
//     Files: adapter_llama.go, llama_cgo.go (linker rpath hints).
//     A no-CGO stub exists when the tag is not set: adapter_llama_stub.go.
//
//   - llama-server (no build tag):
//     One llama.cpp server process per servable, driven over its
//     OpenAI-compatible completions API. Files: adapter_llama_server.go,
//     sanity.go (binary discovery and preflight checks).
package manager
