package storage

// Package storage provides a minimal persistence layer used by the daemon.
//
// It currently supports:
//   - Run record appends (one row per terminal job outcome)
//   - Range reads feeding the daily report
