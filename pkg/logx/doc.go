// Package logx configures vaultbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - the optional file sink writes JSON lines
//   - the optional Telegram sink forwards WARN+ lines to the log chat, throttled
package logx
