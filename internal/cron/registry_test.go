package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobsInOrder(t *testing.T) {
	jobA := &stubJob{name: "pending-reconcile-sweep"}
	jobB := &stubJob{name: "usage-retention"}
	registry, err := NewRegistry(jobA, nil, jobB)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order")
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryRejectsDuplicateAndEmptyNames(t *testing.T) {
	if _, err := NewRegistry(&stubJob{name: "sweep"}, &stubJob{name: " sweep "}); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
	var registry Registry
	if err := registry.Register(&stubJob{name: ""}); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
	if err := registry.Register(&stubJob{name: "ledger"}); err != nil {
		t.Fatalf("zero-value registry should accept jobs: %v", err)
	}
}
