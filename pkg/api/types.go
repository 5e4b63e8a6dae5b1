package api

// Public result types for CLI output and early SDK usage.

import "time"

// Endpoint is the externally visible view of one provisioned proxy.
type Endpoint struct {
	ID         string    `json:"id" yaml:"id"`
	PublicURL  string    `json:"public_url" yaml:"public_url"`
	TargetURL  string    `json:"target_url" yaml:"target_url"`
	Egress     string    `json:"egress,omitempty" yaml:"egress,omitempty"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	Incomplete bool      `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
}

type BatchState string

const (
	BatchSucceeded      BatchState = "succeeded"
	BatchPartialFailure BatchState = "partial_failure"
	BatchFailed         BatchState = "failed"
)

// AttemptError records one failed create attempt by its request index.
type AttemptError struct {
	Index  int    `json:"index" yaml:"index"`
	Reason string `json:"reason" yaml:"reason"`
}

// BatchReport summarizes one batch-create invocation. Endpoints appear in
// request order regardless of completion order.
type BatchReport struct {
	Provider    string         `json:"provider" yaml:"provider"`
	Profile     string         `json:"profile" yaml:"profile"`
	TargetURL   string         `json:"target_url" yaml:"target_url"`
	Requested   int            `json:"requested" yaml:"requested"`
	Succeeded   int            `json:"succeeded" yaml:"succeeded"`
	Failed      int            `json:"failed" yaml:"failed"`
	Interrupted bool           `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	State       BatchState     `json:"state" yaml:"state"`
	Endpoints   []Endpoint     `json:"endpoints" yaml:"endpoints"`
	Errors      []AttemptError `json:"errors,omitempty" yaml:"errors,omitempty"`
	Duration    time.Duration  `json:"duration" yaml:"duration"`
}

type RotationVerdict string

const (
	RotationConfirmed RotationVerdict = "rotation_confirmed"
	NoRotation        RotationVerdict = "no_rotation"
	TotalFailure      RotationVerdict = "total_failure"
)

// RotationReport is a best-effort network sample, not a statistical proof
// of rotation behavior.
type RotationReport struct {
	Provider     string          `json:"provider" yaml:"provider"`
	Profile      string          `json:"profile" yaml:"profile"`
	EchoURL      string          `json:"echo_url" yaml:"echo_url"`
	Requested    int             `json:"requested" yaml:"requested"`
	Responded    int             `json:"responded" yaml:"responded"`
	UniqueEgress int             `json:"unique_egress" yaml:"unique_egress"`
	Egress       []string        `json:"egress,omitempty" yaml:"egress,omitempty"`
	Verdict      RotationVerdict `json:"verdict" yaml:"verdict"`
}
