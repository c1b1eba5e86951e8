// Package logx is a thin structured-logging layer over zerolog.
//
// Console output is human readable with a short file:line caller; file
// output is JSON. A Service can swap level and sinks at runtime, and every
// Logger derived from it follows.
package logx
