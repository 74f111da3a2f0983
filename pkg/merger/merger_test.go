package merger

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qserv/replica/pkg/czar"
	"github.com/qserv/replica/pkg/wire"
)

func batchFor(t *testing.T, rows [][]any, continues bool) czar.ResultPayload {
	t.Helper()
	body, err := wire.Encode(rows)
	require.NoError(t, err)
	sum := md5.Sum(body) //nolint:gosec
	return czar.ResultPayload{
		Header: czar.ResultHeader{
			Protocol:  wire.ProtocolVersion,
			Size:      len(body),
			MD5:       hex.EncodeToString(sum[:]),
			Worker:    "w1",
			Continues: continues,
		},
		Rows: rows,
	}
}

func TestMerger_AcceptsValidBatches(t *testing.T) {
	m := New(Config{})
	task := czar.Task{Chunk: 1}

	require.NoError(t, m.Accept(task, batchFor(t, [][]any{{"a"}}, true)))
	require.NoError(t, m.Accept(task, batchFor(t, [][]any{{"b"}}, false)))

	assert.Equal(t, [][]any{{"a"}, {"b"}}, m.Rows())
	assert.NoError(t, m.Err())
}

func TestMerger_RejectsWrongProtocol(t *testing.T) {
	m := New(Config{})
	batch := batchFor(t, [][]any{{"a"}}, false)
	batch.Header.Protocol = 99

	err := m.Accept(czar.Task{}, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolMismatch)
	assert.ErrorIs(t, m.Err(), ErrProtocolMismatch)
}

func TestMerger_RejectsChecksumMismatch(t *testing.T) {
	m := New(Config{})
	batch := batchFor(t, [][]any{{"a"}}, false)
	batch.Header.MD5 = "deadbeef"

	err := m.Accept(czar.Task{}, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestMerger_RejectsWorkerReportedError(t *testing.T) {
	m := New(Config{})
	err := m.Accept(czar.Task{}, czar.ResultPayload{Err: "query failed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query failed")
}

func TestMerger_StopsOnFirstError(t *testing.T) {
	m := New(Config{})
	badBatch := batchFor(t, [][]any{{"a"}}, false)
	badBatch.Header.MD5 = "deadbeef"
	require.Error(t, m.Accept(czar.Task{}, badBatch))

	// A second, otherwise-valid batch is still rejected once the merger
	// has failed: stop-on-error applies for the rest of the query.
	err := m.Accept(czar.Task{}, batchFor(t, [][]any{{"b"}}, false))
	require.Error(t, err)
	assert.Empty(t, m.Rows())
}

func TestMerger_EnforcesRowLimit(t *testing.T) {
	m := New(Config{MaxRows: 1})
	require.NoError(t, m.Accept(czar.Task{}, batchFor(t, [][]any{{"a"}}, true)))

	err := m.Accept(czar.Task{}, batchFor(t, [][]any{{"b"}}, false))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRowLimitExceeded)
}

func TestMerger_EnforcesByteLimit(t *testing.T) {
	rows := [][]any{{"a long enough value to exceed a tiny byte budget"}}
	body, err := wire.Encode(rows)
	require.NoError(t, err)

	m := New(Config{MaxBytes: len(body) - 1})
	batch := batchFor(t, rows, false)
	err = m.Accept(czar.Task{}, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrByteLimitExceeded)
}
