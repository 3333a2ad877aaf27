package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tranchefund/native/fund"
)

type fakeSettler struct {
	mu    sync.Mutex
	calls int
	max   int
	err   error
}

func (f *fakeSettler) SettleDue(_ context.Context, max int) ([]fund.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.max = max
	if f.err != nil {
		return nil, f.err
	}
	return []fund.SettleResult{{Day: uint64(f.calls)}}, nil
}

func (f *fakeSettler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunNowRecordsOutcome(t *testing.T) {
	settler := &fakeSettler{}
	s := New(context.Background(), settler, 0, nil)

	results, err := s.RunNow()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 1 || settler.max != 0 {
		t.Fatalf("unexpected run: results=%d max=%d", len(results), settler.max)
	}

	settler.err = fund.ErrPriceNotReady
	if _, err := s.RunNow(); !errors.Is(err, fund.ErrPriceNotReady) {
		t.Fatalf("expected price not ready, got %v", err)
	}
	if !errors.Is(s.LastError(), fund.ErrPriceNotReady) {
		t.Fatalf("last error not recorded: %v", s.LastError())
	}
	if s.Runs() != 2 {
		t.Fatalf("expected 2 runs, got %d", s.Runs())
	}
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	s := New(context.Background(), &fakeSettler{}, 3, nil)
	if err := s.Register("not a schedule"); err == nil {
		t.Fatalf("expected schedule error")
	}
	if err := New(context.Background(), nil, 1, nil).Register("* * * * * *"); err == nil {
		t.Fatalf("expected missing settler error")
	}
}

func TestCronTriggersSettlement(t *testing.T) {
	settler := &fakeSettler{}
	s := New(context.Background(), settler, 4, nil)
	if err := s.Register("* * * * * *"); err != nil {
		t.Fatalf("register: %v", err)
	}
	var pruned sync.WaitGroup
	pruned.Add(1)
	var once sync.Once
	if err := s.AddJob("* * * * * *", "prune", func(context.Context) error {
		once.Do(pruned.Done)
		return nil
	}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for settler.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if settler.count() == 0 {
		t.Fatalf("settlement job never ran")
	}
	pruned.Wait()
}
