// Package logx is a thin structured logging layer over zerolog.
//
// It exists so the rest of the module logs through one stable API while the
// sink (STDOUT console, JSON, or an append-only file) can be swapped at
// runtime via Service.Apply without re-plumbing loggers.
package logx
