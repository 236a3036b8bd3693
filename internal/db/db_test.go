package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrationsAppliesEveryStatement(t *testing.T) {
	sqldb, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqldb.Close()

	for range migrations {
		mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, RunMigrations(context.Background(), sqlx.NewDb(sqldb, "postgres"), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrationsStopsOnError(t *testing.T) {
	sqldb, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqldb.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnError(errors.New("permission denied"))

	err = RunMigrations(context.Background(), sqlx.NewDb(sqldb, "postgres"), nil)
	assert.EqualError(t, err, "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}
