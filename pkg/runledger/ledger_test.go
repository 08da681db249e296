package runledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRowInserter struct {
	callCount int
	received  []any
	err       error
}

func (m *mockRowInserter) Put(_ context.Context, src any) error {
	m.callCount++
	m.received = append(m.received, src)
	return m.err
}

func newTestRecorder(inserter rowInserter) *BigQueryRecorder {
	return &BigQueryRecorder{
		inserter: inserter,
		logger:   zerolog.Nop(),
	}
}

func TestBigQueryRecorder_Record(t *testing.T) {
	ctx := context.Background()
	inserter := &mockRowInserter{}
	recorder := newTestRecorder(inserter)

	record := &RunRecord{
		RequestID:   "req-1",
		Fingerprint: "fp-1",
		CacheHit:    true,
		State:       "Complete",
		DurationMs:  42,
		StartedAt:   time.Now(),
	}

	require.NoError(t, recorder.Record(ctx, record))
	require.Equal(t, 1, inserter.callCount)
	assert.Same(t, record, inserter.received[0])
}

func TestBigQueryRecorder_RecordNilIsANoOp(t *testing.T) {
	inserter := &mockRowInserter{}
	recorder := newTestRecorder(inserter)

	require.NoError(t, recorder.Record(context.Background(), nil))
	assert.Zero(t, inserter.callCount, "a nil record must not reach the inserter")
}

func TestBigQueryRecorder_RecordWrapsInsertErrors(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		inserter := &mockRowInserter{err: errors.New("stream unavailable")}
		recorder := newTestRecorder(inserter)

		err := recorder.Record(context.Background(), &RunRecord{RequestID: "req-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger insert")
	})

	t.Run("row-level errors", func(t *testing.T) {
		multi := bigquery.PutMultiError{
			{RowIndex: 0, Errors: bigquery.MultiError{errors.New("no such field: bogus")}},
		}
		inserter := &mockRowInserter{err: multi}
		recorder := newTestRecorder(inserter)

		err := recorder.Record(context.Background(), &RunRecord{RequestID: "req-1"})
		require.Error(t, err)
		assert.ErrorAs(t, err, &bigquery.PutMultiError{})
	})
}

func TestBigQueryRecorder_InferredSchemaCoversRecord(t *testing.T) {
	schema, err := bigquery.InferSchema(RunRecord{})
	require.NoError(t, err)

	fields := make(map[string]bigquery.FieldType)
	for _, f := range schema {
		fields[f.Name] = f.Type
	}
	assert.Equal(t, bigquery.StringFieldType, fields["request_id"])
	assert.Equal(t, bigquery.StringFieldType, fields["fingerprint"])
	assert.Equal(t, bigquery.BooleanFieldType, fields["cache_hit"])
	assert.Equal(t, bigquery.IntegerFieldType, fields["duration_ms"])
	assert.Equal(t, bigquery.TimestampFieldType, fields["started_at"])
}

func TestNewBigQueryRecorder_RejectsNilClient(t *testing.T) {
	_, err := NewBigQueryRecorder(context.Background(), nil, BigQueryConfig{DatasetID: "d", TableID: "t"}, zerolog.Nop())
	assert.Error(t, err)
}
