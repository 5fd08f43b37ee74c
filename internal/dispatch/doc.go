// Package dispatch resolves the executable and argument vector for an engine command.
//
// The engine is an opaque program that accepts a command name followed by
// positional string parameters. How it is launched depends on how stemdeck was
// installed, and that is decided once at startup:
//
//   - script mode: a language runtime runs an entry script,
//     argv = [script, command, params...]
//   - binary mode: a bundled native executable,
//     argv = [command, params...]
//
// Resolution never validates anything. A missing runtime or binary surfaces
// later as a spawn failure in the runner, which reports it as a failed invocation.
package dispatch
