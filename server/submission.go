package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-martini/martini"
	"github.com/gorilla/websocket"
	"github.com/martini-contrib/render"
	"github.com/russross/meddler"

	. "authograder/types"
)

// withDB runs f inside a fresh transaction on the shared connection.
// Handlers that run kernel containers use this for their database work
// so the global transaction lock is never held while a container runs.
func withDB(f func(tx *sql.Tx) error) error {
	dbMutex.Lock()
	defer dbMutex.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("db error starting transaction: %v", err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db error committing transaction: %v", err)
	}
	return nil
}

// forwardEvents delivers kernel events to report from one goroutine.
// The returned wait blocks until the channel is closed and drained, so
// the caller can safely write to the same sink afterwards.
func forwardEvents(events <-chan *EventMessage, report func(*EventMessage)) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			if report != nil {
				report(event)
			}
		}
	}()
	return func() { <-done }
}

func currentUserFromRequest(r *http.Request) (*User, error) {
	session, err := GetSession(r)
	if err != nil {
		return nil, err
	}
	user := new(User)
	err = withDB(func(tx *sql.Tx) error {
		return meddler.Load(tx, "users", user, session.UserID)
	})
	if err != nil {
		return nil, fmt.Errorf("loading user %d: %v", session.UserID, err)
	}
	return user, nil
}

// PostSubmission handles /v2/assignments/:assignment_id/submissions,
// uploading (or replacing) the caller's notebook for an assignment.
//
// The notebook must match the assignment's cell layout and must survive
// a pre-check pass: every code cell is executed and anything worse than
// a failed assertion rejects the upload. Uploading does not spend an
// attempt; only evaluation does.
func PostSubmission(w http.ResponseWriter, r *http.Request, params martini.Params, render render.Render) {
	now := time.Now()
	currentUser, err := currentUserFromRequest(r)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "authentication failed: try logging in again")
		return
	}
	assignmentID, err := parseID(w, "assignment_id", params["assignment_id"])
	if err != nil {
		return
	}

	asst := new(Assignment)
	var template *Notebook
	err = withDB(func(tx *sql.Tx) error {
		if err := meddler.Load(tx, "assignments", asst, assignmentID); err != nil {
			return err
		}
		record := new(AssignmentFile)
		if err := meddler.QueryRow(tx, record, `SELECT * FROM assignment_files WHERE assignment_id = ? AND kind = ?`, asst.ID, FileKindRedacted); err != nil {
			return err
		}
		raw, err := fileStore.Load(record.Path)
		if err != nil {
			return err
		}
		template, err = ParseNotebook(raw)
		return err
	})
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	if !asst.OpenAt(now) {
		loggedHTTPErrorf(w, http.StatusBadRequest, "assignment %d is not accepting submissions now", asst.ID)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "error parsing form: %v", err)
		return
	}
	file, header, err := r.FormFile("notebook")
	if err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "a notebook file is required: %v", err)
		return
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "error reading notebook: %v", err)
		return
	}

	nb, err := ParseNotebook(raw)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "notebook is malformed: %v", err)
		return
	}
	if len(nb.Cells) != len(template.Cells) {
		loggedHTTPErrorf(w, http.StatusConflict, "notebook has %d cells but the assignment has %d: do not add or delete cells",
			len(nb.Cells), len(template.Cells))
		return
	}

	// run the pre-check pass in a fresh kernel
	kernel, err := NewKernel(fmt.Sprintf("precheck-%d-%d", asst.ID, currentUser.ID))
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error starting kernel: %v", err)
		return
	}
	wait := forwardEvents(kernel.Events, nil)
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(Config.GradingSeconds)*time.Second)
	err = precheckNotebook(ctx, kernel, nb)
	cancel()
	kernel.Shutdown()
	wait()
	if err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "notebook failed the pre-check: %v", err)
		return
	}

	// the stored name carries the owning assignment and user, so two
	// students uploading identical notebooks never share a file
	name := fmt.Sprintf("%d-%d-%s", asst.ID, currentUser.ID, header.Filename)
	path, link, err := fileStore.Save("submissions", name, raw)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error storing notebook: %v", err)
		return
	}

	var sub *Submission
	err = withDB(func(tx *sql.Tx) error {
		sub, err = upsertSubmission(tx, asst.ID, currentUser.ID, path, link, now)
		return err
	})
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}

	render.JSON(http.StatusOK, sub)
}

// upsertSubmission records an uploaded notebook, creating the
// submission row on first upload. Replacing an earlier upload clears
// the recorded score and feedback, which described the old notebook.
func upsertSubmission(tx *sql.Tx, assignmentID, userID int64, path, link string, now time.Time) (*Submission, error) {
	sub := new(Submission)
	err := meddler.QueryRow(tx, sub, `SELECT * FROM submissions WHERE assignment_id = ? AND user_id = ?`, assignmentID, userID)
	if err == sql.ErrNoRows {
		sub = &Submission{
			AssignmentID: assignmentID,
			UserID:       userID,
			Feedback:     []int{},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := meddler.Insert(tx, "submissions", sub); err != nil {
			return nil, err
		}
		record := &SubmissionFile{
			SubmissionID: sub.ID,
			AssignmentID: assignmentID,
			Path:         path,
			Link:         link,
		}
		if err := meddler.Insert(tx, "submission_files", record); err != nil {
			return nil, err
		}
		return sub, nil
	}
	if err != nil {
		return nil, err
	}

	sub.Score = 0
	sub.Feedback = []int{}
	sub.UpdatedAt = now
	if err := meddler.Update(tx, "submissions", sub); err != nil {
		return nil, err
	}
	record := new(SubmissionFile)
	if err := meddler.QueryRow(tx, record, `SELECT * FROM submission_files WHERE submission_id = ?`, sub.ID); err != nil {
		return nil, err
	}
	stale := record.Path
	record.Path, record.Link = path, link
	if err := meddler.Update(tx, "submission_files", record); err != nil {
		return nil, err
	}
	if stale != path {
		if err := fileStore.Delete(stale); err != nil {
			loggedErrorf("error deleting stored file %s: %v", stale, err)
		}
	}
	return sub, nil
}

// PostSubmissionEvaluate handles /v2/submissions/:submission_id/evaluate,
// running a full grading pass and recording the result. Each call spends
// one attempt; the attempt is spent even if grading then fails.
func PostSubmissionEvaluate(w http.ResponseWriter, r *http.Request, params martini.Params, render render.Render) {
	currentUser, err := currentUserFromRequest(r)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "authentication failed: try logging in again")
		return
	}
	submissionID, err := parseID(w, "submission_id", params["submission_id"])
	if err != nil {
		return
	}

	sub, status, err := evaluateSubmission(r.Context(), currentUser, submissionID, nil)
	if err != nil {
		loggedHTTPErrorf(w, status, "%v", err)
		return
	}
	render.JSON(http.StatusOK, sub)
}

// evaluateSubmission checks permissions, spends an attempt, grades the
// submission, and records the score. Kernel events are forwarded to
// report when it is not nil. On error it returns the HTTP status the
// caller should report.
func evaluateSubmission(ctx context.Context, currentUser *User, submissionID int64, report func(*EventMessage)) (*Submission, int, error) {
	now := time.Now()

	sub := new(Submission)
	asst := new(Assignment)
	var student, instructor *Notebook
	err := withDB(func(tx *sql.Tx) error {
		if err := meddler.Load(tx, "submissions", sub, submissionID); err != nil {
			return err
		}
		return meddler.Load(tx, "assignments", asst, sub.AssignmentID)
	})
	if err == sql.ErrNoRows {
		return nil, http.StatusNotFound, fmt.Errorf("submission %d not found", submissionID)
	}
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("db error: %v", err)
	}
	if sub.UserID != currentUser.ID && !currentUser.CanAuthor() {
		return nil, http.StatusUnauthorized, fmt.Errorf("user %d cannot evaluate submission %d", currentUser.ID, submissionID)
	}
	if !asst.OpenAt(now) {
		return nil, http.StatusBadRequest, fmt.Errorf("assignment %d is not accepting submissions now", asst.ID)
	}

	// spend an attempt: the compare is part of the update, so two
	// concurrent requests cannot both take the last attempt
	err = withDB(func(tx *sql.Tx) error {
		result, err := tx.Exec(`UPDATE submissions SET attempt_count = attempt_count + 1, updated_at = ? `+
			`WHERE id = ? AND attempt_count < ?`, now, sub.ID, asst.MaxAttempts)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("no attempts left for submission %d (limit %d)", sub.ID, asst.MaxAttempts)
		}
		return nil
	})
	if err != nil {
		return nil, http.StatusConflict, err
	}

	err = withDB(func(tx *sql.Tx) error {
		record := new(SubmissionFile)
		if err := meddler.QueryRow(tx, record, `SELECT * FROM submission_files WHERE submission_id = ?`, sub.ID); err != nil {
			return err
		}
		raw, err := fileStore.Load(record.Path)
		if err != nil {
			return err
		}
		if student, err = ParseNotebook(raw); err != nil {
			return err
		}
		original := new(AssignmentFile)
		if err := meddler.QueryRow(tx, original, `SELECT * FROM assignment_files WHERE assignment_id = ? AND kind = ?`, asst.ID, FileKindOriginal); err != nil {
			return err
		}
		if raw, err = fileStore.Load(original.Path); err != nil {
			return err
		}
		instructor, err = ParseNotebook(raw)
		return err
	})
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("loading notebooks: %v", err)
	}

	kernel, err := NewKernel(fmt.Sprintf("grade-%d", sub.ID))
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("error starting kernel: %v", err)
	}
	wait := forwardEvents(kernel.Events, report)
	gradeCtx, cancel := context.WithTimeout(ctx, time.Duration(Config.GradingSeconds)*time.Second)
	score, feedback, err := gradeNotebook(gradeCtx, kernel, student, instructor)
	cancel()
	kernel.Shutdown()
	wait()
	if err != nil {
		return nil, http.StatusConflict, fmt.Errorf("grading failed: %v", err)
	}

	err = withDB(func(tx *sql.Tx) error {
		sub, err = recordScore(tx, sub.ID, score, feedback, time.Now())
		return err
	})
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("db error: %v", err)
	}

	return sub, http.StatusOK, nil
}

// recordScore stores a grading result on a submission. It reloads the
// row first so attempts spent by concurrent evaluations are not
// overwritten with a stale count.
func recordScore(tx *sql.Tx, submissionID, score int64, feedback []int, now time.Time) (*Submission, error) {
	sub := new(Submission)
	if err := meddler.Load(tx, "submissions", sub, submissionID); err != nil {
		return nil, err
	}
	sub.Score = score
	sub.Feedback = feedback
	sub.UpdatedAt = now
	if err := meddler.Update(tx, "submissions", sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubmissions handles /v2/submissions, returning a list of
// submissions. Students only see their own. Optional filters:
//
//	assignment_id=<int>: submissions to one assignment
//	user_id=<int>: one user's submissions (tutors only)
func GetSubmissions(w http.ResponseWriter, r *http.Request, tx *sql.Tx, currentUser *User, render render.Render) {
	where := ""
	args := []interface{}{}

	if assignmentID := r.FormValue("assignment_id"); assignmentID != "" {
		id, err := parseID(w, "assignment_id", assignmentID)
		if err != nil {
			return
		}
		where, args = addWhereEq(where, args, "assignment_id", id)
	}
	if currentUser.CanAuthor() {
		if userID := r.FormValue("user_id"); userID != "" {
			id, err := parseID(w, "user_id", userID)
			if err != nil {
				return
			}
			where, args = addWhereEq(where, args, "user_id", id)
		}
	} else {
		where, args = addWhereEq(where, args, "user_id", currentUser.ID)
	}

	subs := []*Submission{}
	if err := meddler.QueryAll(tx, &subs, `SELECT * FROM submissions`+where+` ORDER BY id`, args...); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, subs)
}

// GetSubmission handles /v2/submissions/:submission_id,
// returning a single submission.
func GetSubmission(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User, render render.Render) {
	sub, err := loadSubmission(w, tx, params, currentUser)
	if err != nil {
		return
	}
	render.JSON(http.StatusOK, sub)
}

func loadSubmission(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User) (*Submission, error) {
	submissionID, err := parseID(w, "submission_id", params["submission_id"])
	if err != nil {
		return nil, err
	}
	sub := new(Submission)
	if err := meddler.Load(tx, "submissions", sub, submissionID); err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return nil, err
	}
	if sub.UserID != currentUser.ID && !currentUser.CanAuthor() {
		return nil, loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d cannot view submission %d", currentUser.ID, sub.ID)
	}
	return sub, nil
}

// GetSubmissionNotebook handles /v2/submissions/:submission_id/notebook,
// serving the uploaded notebook file.
func GetSubmissionNotebook(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User) {
	sub, err := loadSubmission(w, tx, params, currentUser)
	if err != nil {
		return
	}
	record := new(SubmissionFile)
	if err := meddler.QueryRow(tx, record, `SELECT * FROM submission_files WHERE submission_id = ?`, sub.ID); err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	raw, err := fileStore.Load(record.Path)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error loading stored notebook: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ipynb+json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("submission-%d.ipynb", sub.ID)))
	w.Write(raw)
}

// DeleteSubmission handles /v2/submissions/:submission_id, deleting a
// submission and its stored notebook.
func DeleteSubmission(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User) {
	sub, err := loadSubmission(w, tx, params, currentUser)
	if err != nil {
		return
	}

	files := []*SubmissionFile{}
	if err := meddler.QueryAll(tx, &files, `SELECT * FROM submission_files WHERE submission_id = ?`, sub.ID); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	if _, err := tx.Exec(`DELETE FROM submissions WHERE id = ?`, sub.ID); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	for _, file := range files {
		if err := fileStore.Delete(file.Path); err != nil {
			loggedErrorf("error deleting stored file %s: %v", file.Path, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SocketSubmissionEvaluate handles
// /v2/sockets/submissions/:submission_id/evaluate.
//
// This is the live version of the evaluate endpoint: the client opens a
// websocket and receives a stream of EventMessages (cell starts, stdout
// and stderr as they are produced, per-cell results) followed by a
// final score event. It also spends one attempt.
func SocketSubmissionEvaluate(w http.ResponseWriter, r *http.Request, params martini.Params) {
	currentUser, err := currentUserFromRequest(r)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "authentication failed: try logging in again")
		return
	}
	submissionID, err := parseID(w, "submission_id", params["submission_id"])
	if err != nil {
		return
	}

	socket, err := socketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "websocket error: %v", err)
		return
	}
	defer socket.Close()

	logAndTransmitErrorf := func(format string, params ...interface{}) {
		msg := fmt.Sprintf(format, params...)
		log.Print(logPrefix() + msg)
		res := &EventMessage{
			Time:  time.Now(),
			Event: "error",
			Error: msg,
		}
		if err := socket.WriteJSON(res); err != nil {
			log.Printf("error writing event message: %v", err)
		}
	}

	sub, _, err := evaluateSubmission(r.Context(), currentUser, submissionID, func(event *EventMessage) {
		if err := socket.WriteJSON(event); err != nil {
			log.Printf("error writing event message: %v", err)
		}
	})
	if err != nil {
		logAndTransmitErrorf("%v", err)
		return
	}

	final := &EventMessage{
		Time:     time.Now(),
		Event:    "score",
		Score:    sub.Score,
		Feedback: sub.Feedback,
	}
	if err := socket.WriteJSON(final); err != nil {
		log.Printf("error writing event message: %v", err)
	}
}
