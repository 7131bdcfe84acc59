package cache

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockStore(t *testing.T, ttl time.Duration) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS crawl_cache")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresStoreFromDB(context.Background(), mockDB, ttl)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStoreGet(t *testing.T) {
	want := sampleResult("https://example.com")
	raw, err := json.Marshal(want)
	require.NoError(t, err)

	tests := []struct {
		name      string
		ttl       time.Duration
		setup     func(mock sqlmock.Sqlmock)
		wantFound bool
		wantErr   bool
	}{
		{
			name: "hit",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT result, created_at FROM crawl_cache WHERE fingerprint = $1")).
					WithArgs("fp").
					WillReturnRows(sqlmock.NewRows([]string{"result", "created_at"}).AddRow(raw, time.Now()))
			},
			wantFound: true,
		},
		{
			name: "miss",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT result, created_at FROM crawl_cache")).
					WithArgs("fp").
					WillReturnRows(sqlmock.NewRows([]string{"result", "created_at"}))
			},
		},
		{
			name: "expired",
			ttl:  time.Hour,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT result, created_at FROM crawl_cache")).
					WithArgs("fp").
					WillReturnRows(sqlmock.NewRows([]string{"result", "created_at"}).AddRow(raw, time.Now().Add(-2*time.Hour)))
			},
		},
		{
			name: "query_error",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT result, created_at FROM crawl_cache")).
					WithArgs("fp").
					WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupMockStore(t, tt.ttl)
			tt.setup(mock)

			got, found, err := store.Get(context.Background(), "fp")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantFound, found)
			if tt.wantFound {
				assert.Equal(t, want.URL, got.URL)
				assert.Equal(t, want.Markdown.RawMarkdown, got.Markdown.RawMarkdown)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStorePut(t *testing.T) {
	store, mock := setupMockStore(t, 0)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO crawl_cache (fingerprint, url, result, created_at)")).
		WithArgs("fp", "https://example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Put(context.Background(), "fp", sampleResult("https://example.com")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreDeleteAndClear(t *testing.T) {
	store, mock := setupMockStore(t, 0)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM crawl_cache WHERE fingerprint = $1")).
		WithArgs("fp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM crawl_cache")).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, store.Delete(context.Background(), "fp"))
	require.NoError(t, store.Clear(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAugmentDSNWithTimeout(t *testing.T) {
	tests := []struct {
		name     string
		dsn      string
		timeout  int
		expected string
	}{
		{name: "url_without_params", dsn: "postgres://u:p@host/db", timeout: 5000, expected: "postgres://u:p@host/db?statement_timeout=5000"},
		{name: "url_with_params", dsn: "postgresql://host/db?sslmode=require", timeout: 5000, expected: "postgresql://host/db?sslmode=require&statement_timeout=5000"},
		{name: "key_value", dsn: "host=localhost dbname=db", timeout: 0, expected: "host=localhost dbname=db statement_timeout=30000"},
		{name: "already_set", dsn: "postgres://host/db?statement_timeout=1", timeout: 5000, expected: "postgres://host/db?statement_timeout=1"},
		{name: "empty", dsn: "", timeout: 5000, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, augmentDSNWithTimeout(tt.dsn, tt.timeout))
		})
	}
}
