package batch

import (
	"sort"
	"sync"
	"time"

	"github.com/yungbote/tradegraph-kg/internal/graphstore"
	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/observability"
)

type Failure struct {
	Key  string
	Code ingesterr.Code
	Err  error
}

// Report is the per-stage outcome of an Execute call.
type Report struct {
	Stage     string
	Attempted int
	Succeeded int
	Failed    int
	// Skipped counts operations dispatched but never completed because the stage stopped.
	Skipped  int
	Chunks   int
	Failures []Failure
	Aborted  bool
	Duration time.Duration
}

// FailedKeys lists failed keys in order, at most max of them (max <= 0 means all).
func (r Report) FailedKeys(max int) []string {
	n := len(r.Failures)
	if max > 0 && n > max {
		n = max
	}
	out := make([]string, 0, n)
	for _, f := range r.Failures[:n] {
		out = append(out, f.Key)
	}
	return out
}

// PartialError describes the stage's failed records, or returns nil if there were none.
func (r Report) PartialError(maxKeys int) error {
	if r.Failed == 0 && !r.Aborted {
		return nil
	}
	return &ingesterr.PartialIngestError{
		Stage:     r.Stage,
		Attempted: r.Attempted,
		Failed:    r.Failed,
		Keys:      r.FailedKeys(maxKeys),
		Aborted:   r.Aborted,
	}
}

type tally struct {
	mu        sync.Mutex
	stage     string
	threshold float64
	minSample int

	attempted int
	succeeded int
	failures  []Failure
	chunks    int
}

func newTally(stage string, cfg Config) *tally {
	return &tally{stage: stage, threshold: cfg.FailureRatioThreshold, minSample: cfg.BatchSize}
}

func (t *tally) dispatched(n int) {
	t.mu.Lock()
	t.attempted += n
	t.chunks++
	t.mu.Unlock()
	observability.RecordRecords(t.stage, "attempted", n)
}

func (t *tally) invalid(key string, err error) {
	t.mu.Lock()
	t.attempted++
	t.failures = append(t.failures, Failure{Key: key, Code: ingesterr.CodeInvalidMutation, Err: err})
	t.mu.Unlock()
	observability.RecordRecords(t.stage, "attempted", 1)
	observability.RecordRecords(t.stage, "failed", 1)
}

func (t *tally) failed(key string, err error) {
	code := ingesterr.CodeOf(err)
	if code == "" {
		code = ingesterr.CodePartialIngest
	}
	t.mu.Lock()
	t.failures = append(t.failures, Failure{Key: key, Code: code, Err: err})
	t.mu.Unlock()
	observability.RecordRecords(t.stage, "failed", 1)
}

// applied records a committed chunk; operations the store rejected count as failures.
func (t *tally) applied(ops []graphstore.Mutation, res graphstore.Result) {
	rejected := 0
	t.mu.Lock()
	for idx, err := range res.Rejected {
		if idx < 0 || idx >= len(ops) {
			continue
		}
		code := ingesterr.CodeOf(err)
		if code == "" {
			code = ingesterr.CodeDanglingReference
		}
		t.failures = append(t.failures, Failure{Key: ops[idx].Key(), Code: code, Err: err})
		rejected++
	}
	t.succeeded += len(ops) - rejected
	t.mu.Unlock()
	observability.RecordRecords(t.stage, "succeeded", len(ops)-rejected)
	observability.RecordRecords(t.stage, "failed", rejected)
}

func (t *tally) ratio() (completed int, ratio float64) {
	failed := len(t.failures)
	completed = t.succeeded + failed
	if completed == 0 {
		return 0, 0
	}
	return completed, float64(failed) / float64(completed)
}

func (t *tally) exceeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	completed, r := t.ratio()
	return completed >= t.minSample && r > t.threshold
}

func (t *tally) exceededFinal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	completed, r := t.ratio()
	return completed > 0 && r > t.threshold
}

func (t *tally) report(d time.Duration) Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	failures := append([]Failure(nil), t.failures...)
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].Key < failures[j].Key })
	r := Report{
		Stage:     t.stage,
		Attempted: t.attempted,
		Succeeded: t.succeeded,
		Failed:    len(failures),
		Chunks:    t.chunks,
		Failures:  failures,
		Duration:  d,
	}
	r.Skipped = r.Attempted - r.Succeeded - r.Failed
	if r.Skipped < 0 {
		r.Skipped = 0
	}
	return r
}
