package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/inventory-saga/internal/store/sqlite"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

type fakeStep struct {
	name    string
	execErr error
	panics  bool
	compErr error
	retains []string
	calls   *[]string
}

func (s *fakeStep) Name() string { return s.name }

func (s *fakeStep) Execute(context.Context) error {
	*s.calls = append(*s.calls, "exec:"+s.name)
	if s.panics {
		panic("boom")
	}
	return s.execErr
}

func (s *fakeStep) Compensate(context.Context) error {
	*s.calls = append(*s.calls, "comp:"+s.name)
	return s.compErr
}

type retainingStep struct{ *fakeStep }

func (s retainingStep) Retains() []string { return s.retains }

func newJournal(t *testing.T) *wal.Service {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return wal.NewService(db.WAL(), nil)
}

func TestOrchestrator(t *testing.T) {
	errStep := errors.New("step failed")

	tests := []struct {
		name      string
		build     func(calls *[]string) []Step
		wantStep  string
		wantCalls []string
	}{
		{
			name: "all steps succeed",
			build: func(calls *[]string) []Step {
				return []Step{
					&fakeStep{name: "a", calls: calls},
					&fakeStep{name: "b", calls: calls},
				}
			},
			wantCalls: []string{"exec:a", "exec:b"},
		},
		{
			name: "failure unwinds completed steps in reverse",
			build: func(calls *[]string) []Step {
				return []Step{
					&fakeStep{name: "a", calls: calls},
					&fakeStep{name: "b", calls: calls},
					&fakeStep{name: "c", calls: calls, execErr: errStep},
					&fakeStep{name: "d", calls: calls},
				}
			},
			wantStep:  "c",
			wantCalls: []string{"exec:a", "exec:b", "exec:c", "comp:b", "comp:a"},
		},
		{
			name: "failed compensation does not stop the unwind",
			build: func(calls *[]string) []Step {
				return []Step{
					&fakeStep{name: "a", calls: calls},
					&fakeStep{name: "b", calls: calls, compErr: errStep},
					&fakeStep{name: "c", calls: calls, execErr: errStep},
				}
			},
			wantStep:  "c",
			wantCalls: []string{"exec:a", "exec:b", "exec:c", "comp:b", "comp:a"},
		},
		{
			name: "retained steps are not compensated",
			build: func(calls *[]string) []Step {
				return []Step{
					&fakeStep{name: "a", calls: calls},
					&fakeStep{name: "b", calls: calls},
					retainingStep{&fakeStep{name: "c", calls: calls, execErr: errStep, retains: []string{"a"}}},
				}
			},
			wantStep:  "c",
			wantCalls: []string{"exec:a", "exec:b", "exec:c", "comp:b"},
		},
		{
			name: "panic is treated as failure",
			build: func(calls *[]string) []Step {
				return []Step{
					&fakeStep{name: "a", calls: calls},
					&fakeStep{name: "b", calls: calls, panics: true},
				}
			},
			wantStep:  "b",
			wantCalls: []string{"exec:a", "exec:b", "comp:a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			journal := newJournal(t)
			var calls []string
			o := NewOrchestrator("TX1", tt.build(&calls), journal, nil)
			o.Entities = func() map[string]string { return map[string]string{"orderId": "ORD-1"} }

			err := o.Start(context.Background())
			assert.Equal(t, tt.wantCalls, calls)

			entries, lerr := journal.FindByTransaction(context.Background(), "TX1")
			require.NoError(t, lerr)
			require.Len(t, entries, 1)
			last := entries[0]
			assert.Equal(t, "ORD-1", last.EntityID("orderId"))

			if tt.wantStep == "" {
				require.NoError(t, err)
				assert.Equal(t, wal.OpSagaCommit, last.Operation)
				assert.Equal(t, wal.StatusCommitted, last.Status)
				return
			}
			var se *StepError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.wantStep, se.Step)
			assert.Equal(t, wal.OpSagaAbort, last.Operation)
			assert.Equal(t, wal.StatusFailed, last.Status)
		})
	}
}

func TestOrchestrator_NilJournal(t *testing.T) {
	var calls []string
	o := NewOrchestrator("TX1", []Step{&fakeStep{name: "a", calls: &calls}}, nil, nil)
	require.NoError(t, o.Start(context.Background()))
}
