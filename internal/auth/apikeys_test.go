package auth

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cost-watchdog/backend/internal/core"
	"github.com/cost-watchdog/backend/internal/database"
)

func newAPIKeysFixture(t *testing.T) (*APIKeys, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewAPIKeys(database.NewUserRepo(&database.DB{DB: raw})), mock
}

func TestCreateAPIKeyFormat(t *testing.T) {
	a, mock := newAPIKeysFixture(t)
	mock.ExpectExec(`INSERT INTO api_keys`).WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := a.Create(context.Background(), "ci-pipeline", []string{"records:read"}, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(created.Raw, "cwk_"))
	assert.Equal(t, created.Raw[:12], created.Key.KeyPrefix)
	assert.Equal(t, hashAPIKey(created.Raw), created.Key.KeyHash)
	assert.NotContains(t, created.Key.KeyHash, created.Raw[4:])
}

func TestValidateAPIKeyTouchesLastUsed(t *testing.T) {
	a, mock := newAPIKeysFixture(t)
	raw := "cwk_test-key"

	rows := sqlmock.NewRows([]string{
		"id", "key_hash", "key_prefix", "name", "scopes",
		"expires_at", "revoked_at", "is_active", "last_used_at", "created_at",
	}).AddRow("k-1", hashAPIKey(raw), "cwk_test-ke", "ci", pq.StringArray{"records:read"},
		nil, nil, true, nil, time.Now())
	mock.ExpectQuery(`SELECT .+ FROM api_keys`).WithArgs(hashAPIKey(raw)).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE api_keys SET last_used_at`).WithArgs("k-1").WillReturnResult(sqlmock.NewResult(0, 1))

	key, err := a.Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "k-1", key.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateUnknownAPIKeyIsGeneric(t *testing.T) {
	a, mock := newAPIKeysFixture(t)
	mock.ExpectQuery(`SELECT .+ FROM api_keys`).WillReturnError(sql.ErrNoRows)

	_, err := a.Validate(context.Background(), "cwk_unknown")
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, core.AuthUnauthorized, authErr.Kind)
}
