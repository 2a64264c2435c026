// Package logx configures relaybot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A sink registry so components (e.g. the chat log relay) can observe
//     every record at or above a minimum level without owning a writer
//
// Records can opt out of relaying in two ways: the explicit NoRelay() field,
// or a logger bound (via Logger.Ctx) to a context marked with SuppressRelay.
package logx
