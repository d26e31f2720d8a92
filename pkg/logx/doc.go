// Package logx configures mxrelay's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - Optional JSON output for log shippers
//   - Optional file sink (JSON-structured, append-only)
package logx
