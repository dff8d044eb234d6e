// Package util holds small formatting helpers shared by the command-line
// front end.
package util

import "fmt"

// FmtBytes renders n as a human-readable byte count, used by the CLI to
// summarize backup, restore, and prune results.
func FmtBytes(n int64) string {
	switch {
	case n >= 1024*1024*1024*1024:
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024*1024*1024*1024))
	case n >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024*1024*1024))
	case n > 1024*1024:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024*1024))
	case n > 1024:
		return fmt.Sprintf("%.2f kiB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
