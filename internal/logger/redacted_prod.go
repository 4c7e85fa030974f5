//go:build prod

package logger

// Redacted is the prod build of the redaction guard: it always returns the
// constant "[REDACTED]", so a source or CDN URL logged from a failed fetch
// never lands in a prod log file with its query string intact.
func Redacted(input any) string {
	return "[REDACTED]"
}
