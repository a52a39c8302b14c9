package main

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/russross/meddler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "authograder/types"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	meddler.Default = meddler.SQLite
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=ON")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(schema)
	require.NoError(t, err)
	return db
}

// spendAttempt mirrors the compare-and-increment the evaluate endpoint
// runs before grading.
func spendAttempt(t *testing.T, db *sql.DB, submissionID, maxAttempts int64) bool {
	t.Helper()
	result, err := db.Exec(`UPDATE submissions SET attempt_count = attempt_count + 1, updated_at = ? `+
		`WHERE id = ? AND attempt_count < ?`, time.Now(), submissionID, maxAttempts)
	require.NoError(t, err)
	rows, err := result.RowsAffected()
	require.NoError(t, err)
	return rows == 1
}

func TestAttemptCeilingIsEnforcedInTheUpdate(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	user := &User{Name: "Student", Email: "student@example.edu", PasswordHash: []byte("x"),
		CreatedAt: now, UpdatedAt: now, LastSignedInAt: now}
	require.NoError(t, meddler.Insert(db, "users", user))
	asst := &Assignment{UserID: user.ID, Name: "Loops", AvailableAt: now,
		DueAt: now.Add(24 * time.Hour), MaxAttempts: 2, MaxPoints: 15,
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, meddler.Insert(db, "assignments", asst))
	sub := &Submission{AssignmentID: asst.ID, UserID: user.ID, Feedback: []int{},
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, meddler.Insert(db, "submissions", sub))

	// two attempts allowed, the third must not go through
	assert.True(t, spendAttempt(t, db, sub.ID, asst.MaxAttempts))
	assert.True(t, spendAttempt(t, db, sub.ID, asst.MaxAttempts))
	assert.False(t, spendAttempt(t, db, sub.ID, asst.MaxAttempts))

	loaded := new(Submission)
	require.NoError(t, meddler.Load(db, "submissions", loaded, sub.ID))
	assert.Equal(t, int64(2), loaded.AttemptCount)
}

func TestOneSubmissionPerStudentPerAssignment(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	user := &User{Name: "Student", Email: "student@example.edu", PasswordHash: []byte("x"),
		CreatedAt: now, UpdatedAt: now, LastSignedInAt: now}
	require.NoError(t, meddler.Insert(db, "users", user))
	asst := &Assignment{UserID: user.ID, Name: "Loops", AvailableAt: now,
		DueAt: now.Add(24 * time.Hour), MaxAttempts: 2, MaxPoints: 15,
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, meddler.Insert(db, "assignments", asst))

	first := &Submission{AssignmentID: asst.ID, UserID: user.ID, Feedback: []int{},
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, meddler.Insert(db, "submissions", first))
	second := &Submission{AssignmentID: asst.ID, UserID: user.ID, Feedback: []int{},
		CreatedAt: now, UpdatedAt: now}
	assert.Error(t, meddler.Insert(db, "submissions", second))
}
