package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "audit_trail", []string{"event_id", "run_id"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"audit_trail"}, []string{"event_id", "run_id"}).WillReturnResult(3)

	rows := [][]any{{"ev1", "r1"}, {"ev2", "r1"}, {"ev3", "r2"}}
	n, err := CopyFrom(context.Background(), mock, "audit_trail", []string{"event_id", "run_id"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"audit_trail"}, []string{"event_id", "run_id"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"ev1", "r1"}}
	_, err = CopyFrom(context.Background(), mock, "audit_trail", []string{"event_id", "run_id"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO audit_trail")
	assert.NoError(t, mock.ExpectationsWereMet())
}
