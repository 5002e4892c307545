package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewFromDB(sqlx.NewDb(mockDB, "sqlmock"), zap.NewNop()), mock
}

func TestPrecedenceForSourceType(t *testing.T) {
	assert.Equal(t, PrecedenceBase, PrecedenceForSourceType(SourceTypeRulebook))
	assert.Equal(t, PrecedenceBase, PrecedenceForSourceType(SourceTypeReferenceCard))
	assert.Equal(t, PrecedenceExpansion, PrecedenceForSourceType(SourceTypeExpansion))
	assert.Equal(t, PrecedenceErrata, PrecedenceForSourceType(SourceTypeFAQ))
	assert.Equal(t, PrecedenceErrata, PrecedenceForSourceType(SourceTypeErrata))
}

func TestDailySpend(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(cost_usd), 0) FROM api_costs`)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4.25))

	total, err := store.DailySpend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4.25, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeywordSearchScansHits(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "source_id", "page_number", "chunk_index", "section_title",
		"chunk_text", "precedence_level", "overrides_chunk_id",
		"expansion_id", "source_type", "score",
	}).
		AddRow(7, 1, 3, 0, nil, "Each player takes one action per turn.", 1, nil, nil, "rulebook", 0.42).
		AddRow(9, 2, 5, 1, nil, "Players may now take two actions.", 2, int64(7), int64(4), "expansion", 0.31)

	mock.ExpectQuery("ts_rank_cd").
		WithArgs("two actions", sqlmock.AnyArg(), 30).
		WillReturnRows(rows)

	hits, err := store.KeywordSearch(context.Background(), "two actions", []int64{1, 2}, 30)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(7), hits[0].ID)
	assert.Equal(t, 0.42, hits[0].Score)
	assert.Equal(t, "expansion", hits[1].SourceType)
	require.NotNil(t, hits[1].OverridesChunkID)
	assert.Equal(t, int64(7), *hits[1].OverridesChunkID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeywordSearchEmptySources(t *testing.T) {
	store, _ := newMockStore(t)

	hits, err := store.KeywordSearch(context.Background(), "anything", nil, 30)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestReplaceSourceChunksCommitsAtomically(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM chunks WHERE source_id = $1`)).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectPrepare("INSERT INTO chunks")
	mock.ExpectExec("INSERT INTO chunks").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO chunks").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("UPDATE sources").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	chunks := []NewChunk{
		{PageNumber: 1, ChunkIndex: 0, ChunkText: "first"},
		{PageNumber: 1, ChunkIndex: 1, ChunkText: "second"},
	}
	err := store.ReplaceSourceChunks(context.Background(), 3, "abc123",
		PrecedenceBase, time.Now().Add(30*24*time.Hour), chunks)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceSourceChunksRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM chunks WHERE source_id = $1`)).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO chunks")
	mock.ExpectExec("INSERT INTO chunks").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.ReplaceSourceChunks(context.Background(), 3, "abc123",
		PrecedenceBase, time.Now(), []NewChunk{{ChunkText: "x"}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAskHistoryReturnsID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO ask_history").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(99)))

	id, err := store.InsertAskHistory(context.Background(), &AskHistory{
		GameID:             1,
		Question:           "Can I do it?",
		NormalizedQuestion: "can i do it",
		Verdict:            "Yes.",
		Confidence:         "high",
		Citations:          []byte(`[]`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
