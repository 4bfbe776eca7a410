package saga

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSaga(status Status) *Saga {
	return &Saga{
		ID:            "saga-1",
		Type:          TypeOrderProcessing,
		AggregateID:   "order-1",
		AggregateType: "order",
		Steps: []StepRecord{
			{Name: "ReserveInventory", Status: StepStatusPending},
			{Name: "BookPartner", Status: StepStatusPending},
			{Name: "ConfirmOrder", Status: StepStatusPending},
		},
		TotalSteps: 3,
		Status:     status,
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCompensated, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}

	active := []Status{StatusStarted, StatusInProgress, StatusCompensating}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestSaga_TransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr error
	}{
		{"started to in_progress", StatusStarted, StatusInProgress, nil},
		{"in_progress to completed", StatusInProgress, StatusCompleted, nil},
		{"in_progress to compensating", StatusInProgress, StatusCompensating, nil},
		{"compensating to compensated", StatusCompensating, StatusCompensated, nil},
		{"compensating to failed", StatusCompensating, StatusFailed, nil},
		{"started to completed forbidden", StatusStarted, StatusCompleted, ErrInvalidTransition},
		{"completed is terminal", StatusCompleted, StatusCompensating, ErrSagaTerminal},
		{"cancelled is terminal", StatusCancelled, StatusInProgress, ErrSagaTerminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSaga(tt.from)
			err := s.TransitionTo(tt.to)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.from, s.Status)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.to, s.Status)
		})
	}
}

func TestSaga_TransitionTo_StampsTimestamps(t *testing.T) {
	s := newTestSaga(StatusInProgress)
	require.NoError(t, s.TransitionTo(StatusCompleted))
	assert.NotNil(t, s.CompletedAt)

	s = newTestSaga(StatusCompensating)
	require.NoError(t, s.TransitionTo(StatusCompensated))
	assert.NotNil(t, s.CompensatedAt)

	s = newTestSaga(StatusCompensating)
	require.NoError(t, s.TransitionTo(StatusFailed))
	assert.NotNil(t, s.FailedAt)
}

func TestSaga_Cancel(t *testing.T) {
	for _, from := range []Status{StatusStarted, StatusInProgress, StatusCompensating} {
		s := newTestSaga(from)
		require.NoError(t, s.Cancel("клиент передумал"))
		assert.Equal(t, StatusCancelled, s.Status)
		require.NotNil(t, s.FailureReason)
		assert.Equal(t, "клиент передумал", *s.FailureReason)
	}

	s := newTestSaga(StatusCompleted)
	assert.ErrorIs(t, s.Cancel("поздно"), ErrSagaTerminal)
	assert.Equal(t, StatusCompleted, s.Status)
}

func TestSaga_RecordStepCompleted(t *testing.T) {
	s := newTestSaga(StatusInProgress)
	output := json.RawMessage(`{"reservationId":"R1"}`)

	s.RecordStepCompleted(0, output)

	assert.Equal(t, StepStatusCompleted, s.Steps[0].Status)
	assert.JSONEq(t, `{"reservationId":"R1"}`, string(s.Steps[0].Data))
	assert.NotNil(t, s.Steps[0].ExecutedAt)
	assert.Equal(t, 1, s.CurrentStep)
}

func TestSaga_RecordStepFailed(t *testing.T) {
	s := newTestSaga(StatusInProgress)

	s.RecordStepFailed(1, errors.New("курьеры закончились"))

	assert.Equal(t, StepStatusFailed, s.Steps[1].Status)
	require.NotNil(t, s.Steps[1].LastError)
	assert.Equal(t, "курьеры закончились", *s.Steps[1].LastError)
	assert.Equal(t, 0, s.CurrentStep)
}

func TestSaga_RecordStepCompensated(t *testing.T) {
	s := newTestSaga(StatusCompensating)

	// Pending шаг компенсировать нельзя
	assert.ErrorIs(t, s.RecordStepCompensated(0), ErrInvalidTransition)

	s.Steps[0].Status = StepStatusCompleted
	require.NoError(t, s.RecordStepCompensated(0))
	assert.Equal(t, StepStatusCompensated, s.Steps[0].Status)
	assert.NotNil(t, s.Steps[0].CompensatedAt)
}

func TestSaga_Fail(t *testing.T) {
	s := newTestSaga(StatusCompensating)
	require.NoError(t, s.Fail("компенсация ReserveInventory: connection refused"))

	assert.Equal(t, StatusFailed, s.Status)
	require.NotNil(t, s.FailureReason)
	assert.Contains(t, *s.FailureReason, "ReserveInventory")
	assert.NotNil(t, s.FailedAt)
}

func TestDefinitions_Registry(t *testing.T) {
	defs := Definitions{}
	defs.Register(&Definition{Type: TypeOrderProcessing})

	def, ok := defs.Get(TypeOrderProcessing)
	assert.True(t, ok)
	assert.Equal(t, TypeOrderProcessing, def.Type)

	_, ok = defs.Get("UNKNOWN")
	assert.False(t, ok)
}
