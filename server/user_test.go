package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-martini/martini"
	"github.com/russross/meddler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "authograder/types"
)

func insertUser(t *testing.T, db meddler.DB, name, email string, tutor, admin bool) *User {
	t.Helper()
	now := time.Now()
	user := &User{Name: name, Email: email, PasswordHash: []byte("x"), Tutor: tutor, Admin: admin,
		CreatedAt: now, UpdatedAt: now, LastSignedInAt: now}
	require.NoError(t, meddler.Insert(db, "users", user))
	return user
}

func TestDeleteTutorRemovesAssignmentNotebooksFromStore(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	prev := fileStore
	fileStore = NewFileStore(t.TempDir())
	t.Cleanup(func() { fileStore = prev })

	admin := insertUser(t, db, "Admin", "admin@example.edu", true, true)
	tutor := insertUser(t, db, "Tutor", "tutor@example.edu", true, false)
	student := insertUser(t, db, "Student", "student@example.edu", false, false)

	asst := &Assignment{UserID: tutor.ID, Name: "Loops", AvailableAt: now,
		DueAt: now.Add(24 * time.Hour), MaxAttempts: 2, MaxPoints: 15,
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, meddler.Insert(db, "assignments", asst))

	asstPath, asstLink, err := fileStore.Save("assignments",
		fmt.Sprintf("%d-%s-hw.ipynb", asst.ID, FileKindOriginal), []byte("instructor notebook"))
	require.NoError(t, err)
	require.NoError(t, meddler.Insert(db, "assignment_files", &AssignmentFile{
		AssignmentID: asst.ID, Kind: FileKindOriginal, Path: asstPath, Link: asstLink}))

	sub := &Submission{AssignmentID: asst.ID, UserID: student.ID, Feedback: []int{},
		CreatedAt: now, UpdatedAt: now}
	require.NoError(t, meddler.Insert(db, "submissions", sub))
	subPath, subLink, err := fileStore.Save("submissions",
		fmt.Sprintf("%d-%d-hw.ipynb", asst.ID, student.ID), []byte("student notebook"))
	require.NoError(t, err)
	require.NoError(t, meddler.Insert(db, "submission_files", &SubmissionFile{
		SubmissionID: sub.ID, AssignmentID: asst.ID, Path: subPath, Link: subLink}))

	tx, err := db.Begin()
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	DeleteUser(recorder, tx, martini.Params{"user_id": fmt.Sprintf("%d", tutor.ID)}, admin)
	require.NoError(t, tx.Commit())
	require.Equal(t, http.StatusNoContent, recorder.Code)

	// the cascade removed the rows, and the stored notebooks went
	// with them
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM assignments`).Scan(&count))
	assert.Equal(t, 0, count)
	_, err = fileStore.Load(asstPath)
	assert.Error(t, err, "the assignment notebook should be gone")
	_, err = fileStore.Load(subPath)
	assert.Error(t, err, "the student notebook should be gone")
}
