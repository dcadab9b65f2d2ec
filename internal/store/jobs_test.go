package store

import (
	"sync"
	"testing"
	"time"
)

func TestEnqueueJob_DefaultsToPending(t *testing.T) {
	s := openTestStore(t)
	id, err := s.EnqueueJob("a-1", "genai_reconstruct", map[string]any{"method": "local"})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if id <= 0 {
		t.Fatalf("job id should be positive, got %d", id)
	}

	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("status = %q", job.Status)
	}
	if job.Progress != 0 {
		t.Fatalf("progress = %d", job.Progress)
	}
	if job.Result != nil {
		t.Fatalf("result should be null: %v", *job.Result)
	}
	if job.Params["method"] != "local" {
		t.Fatalf("params mismatch: %+v", job.Params)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", job)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetJob(404); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestClaimPending_SkipsTerminalOldestFirst(t *testing.T) {
	s := openTestStore(t)
	first, _ := s.EnqueueJob("a-1", "genai_reconstruct", nil)
	time.Sleep(2 * time.Millisecond)
	second, _ := s.EnqueueJob("a-2", "genai_reconstruct", nil)
	time.Sleep(2 * time.Millisecond)
	third, _ := s.EnqueueJob("a-3", "genai_reconstruct", nil)

	succeeded := StatusSucceeded
	if _, err := s.UpdateJob(second, JobUpdate{Status: &succeeded}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	failed := StatusFailed
	if _, err := s.UpdateJob(third, JobUpdate{Status: &failed}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	fourth, _ := s.EnqueueJob("a-4", "genai_reconstruct", nil)

	jobs, err := s.ClaimPending(10)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 runnable jobs, got %d", len(jobs))
	}
	if jobs[0].ID != first || jobs[1].ID != fourth {
		t.Fatalf("not oldest-first: %d, %d", jobs[0].ID, jobs[1].ID)
	}
	for _, j := range jobs {
		if j.Status.Terminal() {
			t.Fatalf("terminal job returned: %+v", j)
		}
	}
}

func TestClaimJob_AtomicSingleWinner(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.EnqueueJob("a-1", "genai_reconstruct", nil)

	won, err := s.ClaimJob(id)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if !won {
		t.Fatalf("first claim should win")
	}
	won, err = s.ClaimJob(id)
	if err != nil {
		t.Fatalf("second ClaimJob: %v", err)
	}
	if won {
		t.Fatalf("second claim must lose")
	}

	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != StatusRunning || job.Progress != 5 {
		t.Fatalf("claimed job not running/5: %+v", job)
	}
}

func TestClaimJob_ConcurrentClaimants(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.EnqueueJob("a-1", "genai_reconstruct", nil)

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.ClaimJob(id)
			if err != nil {
				t.Errorf("ClaimJob: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestClaimJob_NeverReclaimsTerminal(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.EnqueueJob("a-1", "genai_reconstruct", nil)
	if _, err := s.ClaimJob(id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed := StatusFailed
	if _, err := s.UpdateJob(id, JobUpdate{Status: &failed}); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	won, err := s.ClaimJob(id)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if won {
		t.Fatalf("terminal job must not be re-claimed")
	}
}

func TestUpdateJob_PartialAndNoop(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.EnqueueJob("a-1", "genai_reconstruct", nil)

	// No fields: reports no change.
	changed, err := s.UpdateJob(id, JobUpdate{})
	if err != nil {
		t.Fatalf("noop UpdateJob: %v", err)
	}
	if changed {
		t.Fatalf("empty update should report no change")
	}

	// Progress only: status stays put.
	p := 42
	if _, err := s.UpdateJob(id, JobUpdate{Progress: &p}); err != nil {
		t.Fatalf("progress update: %v", err)
	}
	job, _ := s.GetJob(id)
	if job.Progress != 42 || job.Status != StatusPending {
		t.Fatalf("partial update touched other fields: %+v", job)
	}

	// Status+result together.
	fail := StatusFailed
	msg := "provider timeout"
	if _, err := s.UpdateJob(id, JobUpdate{Status: &fail, Result: &msg}); err != nil {
		t.Fatalf("status update: %v", err)
	}
	job, _ = s.GetJob(id)
	if job.Status != StatusFailed || job.Result == nil || *job.Result != msg {
		t.Fatalf("status/result not applied: %+v", job)
	}
	if job.Progress != 42 {
		t.Fatalf("progress should be untouched on failure: %d", job.Progress)
	}
}
