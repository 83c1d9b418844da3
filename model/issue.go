package model

import (
	"encoding/json"
	"fmt"
)

// Stage names one step of the digest pipeline.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageFilter    Stage = "filter"
	StageAnalyze   Stage = "analyze"
	StageSummarize Stage = "summarize"
	StageAssemble  Stage = "assemble"
	StageDeliver   Stage = "deliver"
)

// Severity tells callers whether a run could continue past an issue.
type Severity string

const (
	// SeverityDegraded means the stage produced a best-effort result.
	SeverityDegraded Severity = "degraded"
	// SeverityFatal means the run could not continue.
	SeverityFatal Severity = "fatal"
)

// Issue is a failure tagged with the stage and subject it belongs to.
// Stages return issues instead of errors so a single bad feed or model
// call never aborts the run.
type Issue struct {
	Stage    Stage    `json:"stage"`
	Subject  string   `json:"subject,omitempty"`
	Severity Severity `json:"severity"`
	Err      error    `json:"-"`
}

// Degraded builds a degraded issue.
func Degraded(stage Stage, subject string, err error) Issue {
	return Issue{Stage: stage, Subject: subject, Severity: SeverityDegraded, Err: err}
}

// Fatal builds a fatal issue.
func Fatal(stage Stage, subject string, err error) Issue {
	return Issue{Stage: stage, Subject: subject, Severity: SeverityFatal, Err: err}
}

func (i Issue) Error() string {
	if i.Subject == "" {
		return fmt.Sprintf("%s: %v", i.Stage, i.Err)
	}
	return fmt.Sprintf("%s %s: %v", i.Stage, i.Subject, i.Err)
}

func (i Issue) Unwrap() error {
	return i.Err
}

// IsFatal returns true if the issue ended the run.
func (i Issue) IsFatal() bool {
	return i.Severity == SeverityFatal
}

// MarshalJSON renders Err as its message.
func (i Issue) MarshalJSON() ([]byte, error) {
	msg := ""
	if i.Err != nil {
		msg = i.Err.Error()
	}
	return json.Marshal(struct {
		Stage    Stage    `json:"stage"`
		Subject  string   `json:"subject,omitempty"`
		Severity Severity `json:"severity"`
		Error    string   `json:"error"`
	}{i.Stage, i.Subject, i.Severity, msg})
}
