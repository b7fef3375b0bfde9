package storage

// Package storage provides the optional persistence layer behind the
// lifecycle handle.
//
// It currently supports:
//   - A small key/value store for application state
//   - An append-only journal of scheduled-task executions
