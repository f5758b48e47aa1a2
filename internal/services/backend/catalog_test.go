package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/models"
)

const catalogDoc = `
[[backend]]
name = "qpu-kawasaki"
aliases = ["qpu", "hardware"]
status = "available"
description = "superconducting QPU"

[[backend]]
name = "sim-statevector"
aliases = ["sim"]
status = "maintenance"
description = "statevector simulator"

[[backend]]
name = "sim-density"
status = "unavailable"
`

// staticParams serves a fixed parameter document.
type staticParams struct {
	doc string
	err error
}

func (p *staticParams) GetParameter(_ context.Context, _ string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.doc, nil
}

func newTestCatalog(doc string, unify bool) *Catalog {
	return NewCatalog(&staticParams{doc: doc}, "/qflow/backend-status", unify, common.NewSilentLogger())
}

func TestResolve_ByName(t *testing.T) {
	catalog := newTestCatalog(catalogDoc, false)

	status, err := catalog.Resolve(context.Background(), "qpu-kawasaki")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Canonical != "qpu-kawasaki" {
		t.Errorf("expected canonical qpu-kawasaki, got %q", status.Canonical)
	}
	if status.Status != models.ServiceStatusAvailable {
		t.Errorf("expected available, got %s", status.Status)
	}
	if !status.DispatchEligible() {
		t.Error("available backend must be dispatch eligible")
	}
}

func TestResolve_ByAlias(t *testing.T) {
	catalog := newTestCatalog(catalogDoc, false)

	status, err := catalog.Resolve(context.Background(), "qpu")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Requested != "qpu" {
		t.Errorf("expected requested qpu, got %q", status.Requested)
	}
	if status.Canonical != "qpu-kawasaki" {
		t.Errorf("expected canonical qpu-kawasaki, got %q", status.Canonical)
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	catalog := newTestCatalog(catalogDoc, false)

	status, err := catalog.Resolve(context.Background(), "QPU-Kawasaki")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Canonical != "qpu-kawasaki" {
		t.Errorf("expected canonical qpu-kawasaki, got %q", status.Canonical)
	}
}

func TestResolve_Unknown(t *testing.T) {
	catalog := newTestCatalog(catalogDoc, false)

	_, err := catalog.Resolve(context.Background(), "qpu-osaka")
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if kind := common.KindOf(err); kind != common.KindUnknownBackend {
		t.Errorf("expected UNKNOWN_BACKEND, got %s", kind)
	}
}

func TestResolve_MaintenanceNotEligible(t *testing.T) {
	catalog := newTestCatalog(catalogDoc, false)

	status, err := catalog.Resolve(context.Background(), "sim")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Status != models.ServiceStatusMaintenance {
		t.Errorf("expected maintenance, got %s", status.Status)
	}
	if status.DispatchEligible() {
		t.Error("maintenance backend must not be dispatch eligible")
	}
}

func TestResolve_Unified(t *testing.T) {
	catalog := newTestCatalog(catalogDoc, true)

	status, err := catalog.Resolve(context.Background(), "qpu-kawasaki")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Canonical != UnifiedBackendName {
		t.Errorf("expected canonical %q, got %q", UnifiedBackendName, status.Canonical)
	}
	// Status still reflects the real backend, only the queue is unified.
	if status.Status != models.ServiceStatusAvailable {
		t.Errorf("expected available, got %s", status.Status)
	}
}

func TestAll(t *testing.T) {
	catalog := newTestCatalog(catalogDoc, false)

	statuses, err := catalog.All(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 backends, got %d", len(statuses))
	}
	if statuses[0].Canonical != "qpu-kawasaki" {
		t.Errorf("expected first backend qpu-kawasaki, got %q", statuses[0].Canonical)
	}
	if statuses[2].Status != models.ServiceStatusUnavailable {
		t.Errorf("expected sim-density unavailable, got %s", statuses[2].Status)
	}
}

func TestResolve_ParameterUnavailable(t *testing.T) {
	catalog := NewCatalog(&staticParams{err: errors.New("ssm down")}, "/qflow/backend-status", false, common.NewSilentLogger())

	_, err := catalog.Resolve(context.Background(), "qpu")
	if err == nil {
		t.Fatal("expected error when parameter store is down")
	}
	if kind := common.KindOf(err); kind != common.KindInternal {
		t.Errorf("expected INTERNAL, got %s", kind)
	}
}

func TestResolve_MalformedCatalog(t *testing.T) {
	catalog := newTestCatalog("not toml [[", false)

	_, err := catalog.Resolve(context.Background(), "qpu")
	if err == nil {
		t.Fatal("expected error for malformed catalog document")
	}
	if kind := common.KindOf(err); kind != common.KindInternal {
		t.Errorf("expected INTERNAL, got %s", kind)
	}
}
