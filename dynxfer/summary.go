// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"io"
	"text/template"
	"time"
)

// Status represents the state of a transfer.
type Status string

const (
	// StatusRunning represents a transfer in progress.
	StatusRunning Status = "running"

	// StatusFailed represents an aborted or failed transfer.
	StatusFailed Status = "failed"

	// StatusCompleted represents a transfer that ran to completion.  It may
	// still carry warnings, such as permanently failed items.
	StatusCompleted Status = "completed"
)

// Summary describes the outcome of a transfer.
type Summary struct {
	Status         Status            `json:"status"` // "running", "failed" or "completed"
	Mode           Mode              `json:"mode"`   // "import" or "copy"
	SourceTable    string            `json:"source_table,omitempty"`
	DestTable      string            `json:"dest_table"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        *time.Time        `json:"end_time"`
	ItemsRead      int64             `json:"items_read"`
	ItemsWritten   int64             `json:"items_written"`
	ItemsFailed    int64             `json:"items_failed"` // Items that failed permanently
	BatchesRetried int64             `json:"batches_retried"`
	BytesWritten   int64             `json:"bytes_written"`
	CapacityUsed   float64           `json:"capacity_used"` // Write capacity units consumed
	Validation     *ValidationResult `json:"validation,omitempty"`
	SourceDeleted  bool              `json:"source_deleted"`
	Warnings       []string          `json:"warnings,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Duration returns how long the transfer ran, or has been running.
func (s Summary) Duration() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if s.EndTime == nil {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// ItemsPerSecond returns the average write rate.
func (s Summary) ItemsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.ItemsWritten) / d
}

// CapacityPerSecond returns the average write capacity consumed per second.
func (s Summary) CapacityPerSecond() float64 {
	d := s.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return s.CapacityUsed / d
}

var summaryTemplate = template.Must(template.New("summary").Parse(`Transfer {{.Status}} ({{.Mode}})
{{- if .SourceTable}}
Source table:        {{.SourceTable}}{{end}}
Destination table:   {{.DestTable}}
Duration:            {{.Duration.Round 1000000}}
Items read:          {{.ItemsRead}}
Items written:       {{.ItemsWritten}}
Items failed:        {{.ItemsFailed}}
Batches retried:     {{.BatchesRetried}}
Capacity used:       {{printf "%.1f" .CapacityUsed}}
Avg items/sec:       {{printf "%.2f" .ItemsPerSecond}}
Avg capacity/sec:    {{printf "%.2f" .CapacityPerSecond}}
{{- with .Validation}}
Validation:          source={{.SourceCount}} destination={{.DestinationCount}} {{if .Matched}}matched{{else}}MISMATCH{{end}}{{end}}
{{- if .SourceDeleted}}
Source table deleted{{end}}
{{- range .Warnings}}
WARNING: {{.}}{{end}}
{{- if .Error}}
ERROR: {{.Error}}{{end}}
`))

// Render writes a human readable version of the summary to w.
func (s Summary) Render(w io.Writer) error {
	return summaryTemplate.Execute(w, s)
}
