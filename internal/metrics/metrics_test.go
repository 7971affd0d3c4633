package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("stream", "m:free", "200", 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("stream", "m:free", "200"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordRejection(t *testing.T) {
	AdmissionRejections.Reset()

	RecordRejection("RATE_LIMITED")
	RecordRejection("RATE_LIMITED")
	RecordRejection("UNTRUSTED_ORIGIN")

	if got := testutil.ToFloat64(AdmissionRejections.WithLabelValues("RATE_LIMITED")); got != 2 {
		t.Errorf("RATE_LIMITED = %v, want 2", got)
	}
	if got := testutil.ToFloat64(AdmissionRejections.WithLabelValues("UNTRUSTED_ORIGIN")); got != 1 {
		t.Errorf("UNTRUSTED_ORIGIN = %v, want 1", got)
	}
}

func TestRecordCatalogRefresh(t *testing.T) {
	CatalogRefreshes.Reset()

	RecordCatalogRefresh(true, 7)
	RecordCatalogRefresh(false, 0)

	if got := testutil.ToFloat64(CatalogModels); got != 7 {
		t.Errorf("CatalogModels = %v, want 7 (failed refresh must not reset it)", got)
	}
	if got := testutil.ToFloat64(CatalogRefreshes.WithLabelValues("failure")); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
}

func TestActiveStreams(t *testing.T) {
	before := testutil.ToFloat64(ActiveStreams)

	IncrementActiveStreams()
	IncrementActiveStreams()
	DecrementActiveStreams()

	if got := testutil.ToFloat64(ActiveStreams) - before; got != 1 {
		t.Errorf("ActiveStreams delta = %v, want 1", got)
	}
}

func TestSetBudgetUsage(t *testing.T) {
	SetBudgetUsage(0.85)

	if got := testutil.ToFloat64(BudgetUsageRatio); got != 0.85 {
		t.Errorf("BudgetUsageRatio = %v, want 0.85", got)
	}
}
