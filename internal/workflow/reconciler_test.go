package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/korir254/flowgate/internal/engine"
	"github.com/korir254/flowgate/internal/observability"
	"github.com/korir254/flowgate/model"
)

func newTestReconciler(t *testing.T, store Store, client EngineClient) *Reconciler {
	t.Helper()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return NewReconciler(store, client, time.Minute, zap.NewNop(), metrics)
}

func TestReconciler_endedInstanceCompletes(t *testing.T) {
	store := NewMemoryStore()
	def := seedDefinition(t, store, "leave-request")
	seedInstance(t, store, "wi-1", "pi-1", def.ID, model.StatusActive)

	client := &fakeEngineClient{
		remoteState: &engine.ProcessInstanceState{ID: "pi-1", Ended: true},
	}
	r := newTestReconciler(t, store, client)
	r.ReconcileAll(context.Background())

	got, _ := store.GetInstance(context.Background(), "wi-1")
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt not set on completion")
	}
}

func TestReconciler_endedAtSetOnce(t *testing.T) {
	store := NewMemoryStore()
	def := seedDefinition(t, store, "leave-request")
	seedInstance(t, store, "wi-1", "pi-1", def.ID, model.StatusActive)

	client := &fakeEngineClient{
		remoteState: &engine.ProcessInstanceState{ID: "pi-1", Ended: true},
	}
	r := newTestReconciler(t, store, client)
	r.ReconcileAll(context.Background())

	first, _ := store.GetInstance(context.Background(), "wi-1")

	// Completed instances leave the reconciliation set; a second run must
	// not touch the record.
	r.ReconcileAll(context.Background())
	second, _ := store.GetInstance(context.Background(), "wi-1")

	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Errorf("EndedAt moved from %v to %v", first.EndedAt, second.EndedAt)
	}
	if second.RecordVersion != first.RecordVersion {
		t.Errorf("record version moved from %d to %d", first.RecordVersion, second.RecordVersion)
	}
}

func TestReconciler_missingRemoteInstanceIsCompleted(t *testing.T) {
	store := NewMemoryStore()
	def := seedDefinition(t, store, "leave-request")
	seedInstance(t, store, "wi-1", "pi-1", def.ID, model.StatusActive)

	client := &fakeEngineClient{
		remoteErr: model.NewNotFoundError("instance pi-1 does not exist"),
	}
	r := newTestReconciler(t, store, client)
	r.ReconcileAll(context.Background())

	got, _ := store.GetInstance(context.Background(), "wi-1")
	if got.Status != model.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED for missing remote instance", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt not set")
	}
}

func TestReconciler_suspendedAndResumed(t *testing.T) {
	store := NewMemoryStore()
	def := seedDefinition(t, store, "leave-request")
	seedInstance(t, store, "wi-1", "pi-1", def.ID, model.StatusActive)

	client := &fakeEngineClient{
		remoteState: &engine.ProcessInstanceState{ID: "pi-1", Suspended: true},
	}
	r := newTestReconciler(t, store, client)
	r.ReconcileAll(context.Background())

	got, _ := store.GetInstance(context.Background(), "wi-1")
	if got.Status != model.StatusSuspended {
		t.Errorf("status = %q, want SUSPENDED", got.Status)
	}
	if got.EndedAt != nil {
		t.Error("EndedAt set on non-terminal status")
	}

	// Engine resumes the instance; the reconciler follows.
	client.remoteState = &engine.ProcessInstanceState{ID: "pi-1"}
	r.ReconcileAll(context.Background())

	got, _ = store.GetInstance(context.Background(), "wi-1")
	if got.Status != model.StatusActive {
		t.Errorf("status = %q, want ACTIVE after resume", got.Status)
	}
}

func TestReconciler_engineErrorsAreAdvisory(t *testing.T) {
	store := NewMemoryStore()
	def := seedDefinition(t, store, "leave-request")
	inst := seedInstance(t, store, "wi-1", "pi-1", def.ID, model.StatusActive)

	client := &fakeEngineClient{remoteErr: model.NewEngineUnavailableError()}
	r := newTestReconciler(t, store, client)
	r.ReconcileAll(context.Background())

	got, _ := store.GetInstance(context.Background(), "wi-1")
	if got.Status != model.StatusActive {
		t.Errorf("status = %q, changed despite engine error", got.Status)
	}
	if got.RecordVersion != inst.RecordVersion {
		t.Error("record written despite engine error")
	}
}

func TestReconciler_noWriteWhenUnchanged(t *testing.T) {
	store := NewMemoryStore()
	def := seedDefinition(t, store, "leave-request")
	inst := seedInstance(t, store, "wi-1", "pi-1", def.ID, model.StatusActive)

	client := &fakeEngineClient{
		remoteState: &engine.ProcessInstanceState{ID: "pi-1"},
	}
	r := newTestReconciler(t, store, client)
	r.ReconcileAll(context.Background())

	got, _ := store.GetInstance(context.Background(), "wi-1")
	if got.RecordVersion != inst.RecordVersion {
		t.Errorf("record version moved to %d for a no-op reconciliation", got.RecordVersion)
	}
}

func TestReconciler_runStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	client := &fakeEngineClient{remoteState: &engine.ProcessInstanceState{}}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	r := NewReconciler(store, client, 5*time.Millisecond, zap.NewNop(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
