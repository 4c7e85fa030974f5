//go:build !prod

package logger

import "fmt"

// Redacted guards values that may embed a private subscription token, such
// as a source or CDN URL's query string, before they reach a log line. Outside
// a prod build it returns the string representation of input unchanged, so
// failures stay fully diagnosable in development.
func Redacted(input any) string {
	return fmt.Sprint(input)
}
