package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memSequences struct {
	mu   sync.Mutex
	vals map[string]int64
	err  error
}

func (m *memSequences) Next(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if m.vals == nil {
		m.vals = make(map[string]int64)
	}
	m.vals[name]++
	return m.vals[name], nil
}

func (m *memSequences) Compact(_ context.Context, table string) (int64, error) {
	return 7, m.err
}

func TestFormatEmployeeID(t *testing.T) {
	cases := []struct {
		role Role
		n    int64
		want string
	}{
		{RoleOperator, 1, "OP_01"},
		{RolePersonnel, 9, "PER_09"},
		{RoleAdmin, 10, "ADMIN_10"},
		{RoleUser, 123, "USER_123"},
	}
	for _, tc := range cases {
		if got := FormatEmployeeID(tc.role, tc.n); got != tc.want {
			t.Fatalf("FormatEmployeeID(%s, %d) = %q, want %q", tc.role, tc.n, got, tc.want)
		}
	}
}

func TestEmployeeIDsAreUniqueUnderConcurrency(t *testing.T) {
	ids := newEmployeeIDs()
	seq := &memSequences{}

	const n = 64
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, degraded := ids.Next(context.Background(), seq, RoleOperator)
			if degraded {
				t.Errorf("unexpected placeholder %s", id)
			}
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("expected %d distinct ids, got %d", n, len(seen))
	}
}

func TestEmployeeIDsPerRoleCounters(t *testing.T) {
	ids := newEmployeeIDs()
	seq := &memSequences{}
	ctx := context.Background()

	if id, _ := ids.Next(ctx, seq, RoleOperator); id != "OP_01" {
		t.Fatalf("got %s", id)
	}
	if id, _ := ids.Next(ctx, seq, RolePersonnel); id != "PER_01" {
		t.Fatalf("got %s", id)
	}
	if id, _ := ids.Next(ctx, seq, RoleOperator); id != "OP_02" {
		t.Fatalf("got %s", id)
	}
}

func TestEmployeeIDPlaceholderOnCounterFailure(t *testing.T) {
	ids := newEmployeeIDs()
	seq := &memSequences{err: ErrUnavailable}

	id, degraded := ids.Next(context.Background(), seq, RolePersonnel)
	if !degraded || id != "PER_01" {
		t.Fatalf("Next = %q, degraded=%v", id, degraded)
	}
}

func TestCompactRejectsUnknownTable(t *testing.T) {
	ids := newEmployeeIDs()
	_, err := ids.Compact(context.Background(), &memSequences{}, "refresh_tokens")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	n, err := ids.Compact(context.Background(), &memSequences{}, TableLoginAttempts)
	if err != nil || n != 7 {
		t.Fatalf("Compact = %d, %v", n, err)
	}
}
