package metrics

import (
	"strings"
	"time"

	xerrors "MEMEX-Node/internal/errors"
)

var ledgerBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1}

var (
	ledgerOperations = newCounter("memex_ledger_operations_total",
		"Ledger units of work by result code.", "operation", "code")
	ledgerLatency = newHistogramFamily("memex_ledger_operation_duration_seconds",
		"Ledger unit of work latency including retries.", ledgerBuckets, "operation")
	sweepJobs = newCounter("memex_sweep_jobs_total",
		"Processed sweep jobs by kind and outcome.", "kind", "outcome")
)

// ObserveLedgerOperation records the outcome of one ledger unit of work.
// Its signature matches ledger.Observer.
func ObserveLedgerOperation(operation string, err error, duration time.Duration) {
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	ledgerOperations.inc(operation, code)
	ledgerLatency.observe(duration.Seconds(), operation)
}

// ObserveSweepJob records a processed sweep job.
func ObserveSweepJob(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(xerrors.CodeOf(err)))
	}
	sweepJobs.inc(kind, outcome)
}
