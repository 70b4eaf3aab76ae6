// Package logx wraps zerolog behind a small structured logging API.
//
// The Logger value type stays live across Service.Apply() calls, so
// components can hold a Logger while sinks and levels change at runtime.
package logx
