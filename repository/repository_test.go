package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"promptforge/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newMockDB opens gorm over sqlmock with expectation checking on cleanup.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = sqlDB.Close()
	})
	return db, mock
}

func TestUserRepository_CreateAssignsID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectExec(`INSERT INTO "users" \("id","username","email","password"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u := &models.User{Username: "alice", Email: "alice@example.com", Password: "hash", Active: true}
	require.NoError(t, repo.Create(context.Background(), u))
	assert.Len(t, u.ID, 36)
}

func TestUserRepository_CreateDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectExec(`INSERT INTO "users"`).WillReturnError(gorm.ErrDuplicatedKey)

	err := repo.Create(context.Background(), &models.User{ID: "u1", Username: "alice"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUserRepository_FindByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = \$1 ORDER BY "users"."id" LIMIT`).
		WithArgs("u1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "active", "created_at"}).
			AddRow("u1", "alice", "alice@example.com", true, created))
	mock.ExpectQuery(`SELECT \* FROM "users" WHERE id = \$1`).
		WithArgs("missing", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	u, err := repo.FindByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.True(t, u.Active)
	assert.Equal(t, created, u.CreatedAt)

	_, err = repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepository_Exists(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "users" WHERE email = \$1`).
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "users" WHERE username = \$1`).
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "users" WHERE username = \$1`).
		WillReturnError(errors.New("conn closed"))

	ok, err := repo.ExistsByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ExistsByUsername(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.ExistsByUsername(context.Background(), "carol")
	assert.ErrorContains(t, err, "conn closed")
}

func TestPromptRepository_CreateAndFind(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPromptRepository(db)

	mock.ExpectExec(`INSERT INTO "prompts"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "prompts" WHERE id = \$1`).
		WithArgs("p1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "user_id", "is_public", "view_count"}).
			AddRow("p1", "Summarizer", "u1", false, 4))

	p := &models.Prompt{Title: "Summarizer", Content: "Summarize the text", UserID: "u1", Category: "dev"}
	require.NoError(t, repo.Create(context.Background(), p))
	assert.NotEmpty(t, p.ID)

	got, err := repo.FindByID(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.ViewCount)
	assert.False(t, got.IsPublic)
	assert.True(t, got.VisibleTo("u1"))
	assert.False(t, got.VisibleTo("u2"))
	assert.False(t, got.VisibleTo(""))
}

func TestPromptRepository_IncrementViewCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPromptRepository(db)

	mock.ExpectExec(`UPDATE "prompts" SET "view_count"=view_count \+ \$1 WHERE id = \$2`).
		WithArgs(1, "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "prompts" SET "view_count"`).
		WithArgs(1, "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.IncrementViewCount(context.Background(), "p1"))
	assert.ErrorIs(t, repo.IncrementViewCount(context.Background(), "gone"), ErrNotFound)
}
