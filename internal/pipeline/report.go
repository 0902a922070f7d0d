package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"
)

type State string

const (
	StateIdle            State = "Idle"
	StateSchemaApplied   State = "SchemaApplied"
	StateCountriesLoaded State = "CountriesLoaded"
	StateSectorsLoaded   State = "SectorsLoaded"
	StateFlowsLoaded     State = "FlowsLoaded"
	StateComplete        State = "Complete"
	StateFailed          State = "Failed"
)

func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

const (
	StageLock      = "lock"
	StageSchema    = "schema"
	StageCountries = "countries"
	StageSectors   = "sectors"
	StageFlows     = "flows"
)

type StageReport struct {
	Stage string
	// Distinct is the number of distinct keys (nodes) or aggregated edges the stage produced.
	Distinct   int
	Attempted  int
	Succeeded  int
	Failed     int
	FailedKeys []string
	Aborted    bool
	Duration   time.Duration
	// Err is the stage's record-level or fatal error, if any.
	Err error
}

type RunReport struct {
	RunID       string
	State       State
	FailedStage string
	Err         error
	// Degraded marks a Complete run in which some records failed.
	Degraded   bool
	DryRun     bool
	Stages     []StageReport
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r RunReport) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageReport{}, false
}

// ExitCode is 0 for Complete and 1 otherwise.
func (r RunReport) ExitCode() int {
	if r.State == StateComplete {
		return 0
	}
	return 1
}

// WriteText prints the terminal report.
func (r RunReport) WriteText(w io.Writer) {
	status := string(r.State)
	if r.Degraded {
		status += " (degraded)"
	}
	if r.DryRun {
		status += " [dry run]"
	}
	fmt.Fprintf(w, "kgingest run %s: %s in %s\n", r.RunID, status, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.FailedStage != "" {
		fmt.Fprintf(w, "  failed stage: %s\n", r.FailedStage)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", r.Err)
	}
	for _, s := range r.Stages {
		fmt.Fprintf(w, "  %-9s distinct=%d attempted=%d succeeded=%d failed=%d (%s)",
			s.Stage, s.Distinct, s.Attempted, s.Succeeded, s.Failed, s.Duration.Round(time.Millisecond))
		if s.Aborted {
			fmt.Fprint(w, " aborted")
		}
		fmt.Fprintln(w)
		if len(s.FailedKeys) > 0 {
			more := ""
			if s.Failed > len(s.FailedKeys) {
				more = fmt.Sprintf(" (+%d more)", s.Failed-len(s.FailedKeys))
			}
			fmt.Fprintf(w, "            failed keys: %s%s\n", strings.Join(s.FailedKeys, ", "), more)
		}
	}
}
