// Package logx configures prayerbot's structured logging.
//
// A thin wrapper (logx.Logger) over zerolog that keeps console output
// readable with a short timestamp and caller, writes JSON to an optional
// file, and can mirror warnings to an operator Telegram chat.
package logx
