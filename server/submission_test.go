package main

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/russross/meddler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "authograder/types"
)

func submissionFixture(t *testing.T, db *sql.DB, maxAttempts int64) (*Assignment, *Submission) {
	t.Helper()
	now := time.Now()

	user := &User{Name: "Student", Email: "student@example.edu", PasswordHash: []byte("x"),
		CreatedAt: now, UpdatedAt: now, LastSignedInAt: now}
	require.NoError(t, meddler.Insert(db, "users", user))
	asst := &Assignment{UserID: user.ID, Name: "Loops", AvailableAt: now,
		DueAt: now.Add(24 * time.Hour), MaxAttempts: maxAttempts, MaxPoints: 15,
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, meddler.Insert(db, "assignments", asst))
	sub := &Submission{AssignmentID: asst.ID, UserID: user.ID, Feedback: []int{},
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, meddler.Insert(db, "submissions", sub))
	file := &SubmissionFile{SubmissionID: sub.ID, AssignmentID: asst.ID}
	require.NoError(t, meddler.Insert(db, "submission_files", file))
	return asst, sub
}

func TestRecordScorePreservesSpentAttempts(t *testing.T) {
	db := testDB(t)
	asst, sub := submissionFixture(t, db, 2)

	// two evaluations spend their attempts before either one records
	// its score
	require.True(t, spendAttempt(t, db, sub.ID, asst.MaxAttempts))
	require.True(t, spendAttempt(t, db, sub.ID, asst.MaxAttempts))

	tx, err := db.Begin()
	require.NoError(t, err)
	graded, err := recordScore(tx, sub.ID, 5, []int{3}, time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(2), graded.AttemptCount)
	assert.Equal(t, int64(5), graded.Score)
	assert.Equal(t, []int{3}, graded.Feedback)

	// recording the score must not reopen the attempt ceiling
	assert.False(t, spendAttempt(t, db, sub.ID, asst.MaxAttempts))
}

func TestReplacingAnUploadClearsStaleFeedback(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	prev := fileStore
	fileStore = NewFileStore(t.TempDir())
	t.Cleanup(func() { fileStore = prev })

	asst, sub := submissionFixture(t, db, 2)
	name := fmt.Sprintf("%d-%d-hw.ipynb", asst.ID, sub.UserID)

	firstPath, firstLink, err := fileStore.Save("submissions", name, []byte("first draft"))
	require.NoError(t, err)
	tx, err := db.Begin()
	require.NoError(t, err)
	first, err := upsertSubmission(tx, asst.ID, sub.UserID, firstPath, firstLink, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Equal(t, sub.ID, first.ID)

	tx, err = db.Begin()
	require.NoError(t, err)
	_, err = recordScore(tx, sub.ID, 10, []int{2}, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	secondPath, secondLink, err := fileStore.Save("submissions", name, []byte("second draft"))
	require.NoError(t, err)
	tx, err = db.Begin()
	require.NoError(t, err)
	replaced, err := upsertSubmission(tx, asst.ID, sub.UserID, secondPath, secondLink, now)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// the old score and feedback described the old notebook
	assert.Equal(t, sub.ID, replaced.ID)
	assert.Equal(t, int64(0), replaced.Score)
	assert.Empty(t, replaced.Feedback)

	record := new(SubmissionFile)
	require.NoError(t, meddler.QueryRow(db, record, `SELECT * FROM submission_files WHERE submission_id = ?`, sub.ID))
	assert.Equal(t, secondPath, record.Path)
	_, err = fileStore.Load(firstPath)
	assert.Error(t, err, "the replaced notebook should be gone")
}

func TestForwardEventsDrainsBeforeWaitReturns(t *testing.T) {
	events := make(chan *EventMessage, 64)
	for i := 0; i < 10; i++ {
		events <- &EventMessage{Event: "stdout", CellIndex: i}
	}

	var got []*EventMessage
	wait := forwardEvents(events, func(event *EventMessage) { got = append(got, event) })
	close(events)
	wait()

	// once wait returns no goroutine touches the sink, so the caller
	// can write its final message without a concurrent writer
	require.Len(t, got, 10)
	assert.Equal(t, 9, got[9].CellIndex)
}

func TestForwardEventsToleratesNilReport(t *testing.T) {
	events := make(chan *EventMessage, 4)
	events <- &EventMessage{Event: "exec"}
	wait := forwardEvents(events, nil)
	close(events)
	wait()
}
