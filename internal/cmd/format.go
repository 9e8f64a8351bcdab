package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// jsonOutput switches list and status commands to machine-readable output.
var jsonOutput bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
}

// formatTime renders t in local time, or "-" when unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatPercent renders a [0,1] ratio as a whole percentage.
func formatPercent(r float64) string {
	return fmt.Sprintf("%.0f%%", r*100)
}

// orDash returns s, or "-" for an empty string.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
