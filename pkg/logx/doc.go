// Package logx wraps zerolog behind a small structured-logging API with
// console, file and Telegram sinks.
package logx
