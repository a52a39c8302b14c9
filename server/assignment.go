package main

import (
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/render"
	"github.com/russross/meddler"

	. "authograder/types"
)

type AssignmentUpdate struct {
	Name        *string    `json:"name"`
	Discipline  *string    `json:"discipline"`
	AvailableAt *time.Time `json:"availableAt"`
	DueAt       *time.Time `json:"dueAt"`
	MaxAttempts *int64     `json:"maxAttempts"`
}

// AssignmentStats summarizes the submissions for one assignment.
type AssignmentStats struct {
	AssignmentID    int64   `json:"assignmentID"`
	MaxPoints       int64   `json:"maxPoints"`
	SubmissionCount int64   `json:"submissionCount"`
	GradedCount     int64   `json:"gradedCount"`
	AverageScore    float64 `json:"averageScore"`
	PerfectCount    int64   `json:"perfectCount"`
}

// PostAssignment handles /v2/assignments, creating a new assignment
// from a multipart form. The "notebook" file must be an instructor
// notebook: solutions and hidden tests in place, markers balanced, and
// at least one scored test cell. Tutors only.
//
// The redacted student version is generated and stored immediately so
// the instructor original is never served to students by accident.
func PostAssignment(w http.ResponseWriter, r *http.Request, tx *sql.Tx, currentUser *User, render render.Render) {
	now := time.Now()

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

	asst := &Assignment{
		UserID:     currentUser.ID,
		Name:       r.FormValue("name"),
		Discipline: r.FormValue("discipline"),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if s := r.FormValue("available_at"); s != "" {
		if asst.AvailableAt, err = time.Parse(time.RFC3339, s); err != nil {
			loggedHTTPErrorf(w, http.StatusBadRequest, "error parsing available_at: %v", err)
			return
		}
	}
	if s := r.FormValue("due_at"); s != "" {
		if asst.DueAt, err = time.Parse(time.RFC3339, s); err != nil {
			loggedHTTPErrorf(w, http.StatusBadRequest, "error parsing due_at: %v", err)
			return
		}
	}
	if s := r.FormValue("max_attempts"); s != "" {
		if _, err := fmt.Sscanf(s, "%d", &asst.MaxAttempts); err != nil {
			loggedHTTPErrorf(w, http.StatusBadRequest, "error parsing max_attempts: %v", err)
			return
		}
	}
	if err := asst.Normalize(now); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "%v", err)
		return
	}

	nb, err := ParseNotebook(raw)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "notebook is malformed: %v", err)
		return
	}
	if err := nb.Validate(); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "notebook rejected: %v", err)
		return
	}
	asst.MaxPoints = nb.TotalPoints()

	redacted, err := nb.Redact().Bytes()
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error encoding redacted notebook: %v", err)
		return
	}

	if err := meddler.Insert(tx, "assignments", asst); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}

	if err := storeAssignmentFile(tx, asst.ID, FileKindOriginal, header.Filename, raw); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if err := storeAssignmentFile(tx, asst.ID, FileKindRedacted, header.Filename, redacted); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}

	render.JSON(http.StatusOK, asst)
}

func storeAssignmentFile(tx *sql.Tx, assignmentID int64, kind, name string, content []byte) error {
	path, link, err := fileStore.Save("assignments", fmt.Sprintf("%d-%s-%s", assignmentID, kind, name), content)
	if err != nil {
		return fmt.Errorf("error storing %s notebook: %v", kind, err)
	}
	record := &AssignmentFile{
		AssignmentID: assignmentID,
		Kind:         kind,
		Path:         path,
		Link:         link,
	}
	if err := meddler.Insert(tx, "assignment_files", record); err != nil {
		return fmt.Errorf("db error: %v", err)
	}
	return nil
}

// GetAssignments handles /v2/assignments, returning a list of
// assignments. Students only see assignments that are already
// available. Optional filters:
//
//	name=<string>: fuzzy name match
//	discipline=<string>: exact discipline match
//	open=true: only assignments currently accepting submissions
func GetAssignments(w http.ResponseWriter, r *http.Request, tx *sql.Tx, currentUser *User, render render.Render) {
	now := time.Now()
	where := ""
	args := []interface{}{}

	if name := r.FormValue("name"); name != "" {
		where, args = addWhereLike(where, args, "name", name)
	}
	if discipline := r.FormValue("discipline"); discipline != "" {
		where, args = addWhereEq(where, args, "discipline", discipline)
	}
	if !currentUser.CanAuthor() || r.FormValue("open") == "true" {
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += " available_at <= ?"
		args = append(args, now)
	}
	if r.FormValue("open") == "true" {
		where += " AND due_at > ?"
		args = append(args, now)
	}

	assignments := []*Assignment{}
	if err := meddler.QueryAll(tx, &assignments, `SELECT * FROM assignments`+where+` ORDER BY due_at, id`, args...); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, assignments)
}

// GetAssignment handles /v2/assignments/:assignment_id,
// returning a single assignment.
func GetAssignment(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User, render render.Render) {
	asst, err := loadAssignment(w, tx, params, currentUser)
	if err != nil {
		return
	}
	render.JSON(http.StatusOK, asst)
}

// loadAssignment fetches an assignment by URL parameter and applies
// visibility rules: students cannot see assignments before they open.
func loadAssignment(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User) (*Assignment, error) {
	assignmentID, err := parseID(w, "assignment_id", params["assignment_id"])
	if err != nil {
		return nil, err
	}

	asst := new(Assignment)
	if err := meddler.Load(tx, "assignments", asst, assignmentID); err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return nil, err
	}
	if !currentUser.CanAuthor() && time.Now().Before(asst.AvailableAt) {
		return nil, loggedHTTPErrorf(w, http.StatusNotFound, "not found")
	}
	return asst, nil
}

// PutAssignment handles /v2/assignments/:assignment_id, updating the
// assignment metadata. The notebook itself is replaced through the
// notebook endpoint. Tutors only, and only for their own assignments
// unless they are administrators.
func PutAssignment(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User, update AssignmentUpdate, render render.Render) {
	now := time.Now()
	asst, err := loadAssignment(w, tx, params, currentUser)
	if err != nil {
		return
	}
	if asst.UserID != currentUser.ID && !currentUser.Admin {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d does not own assignment %d", currentUser.ID, asst.ID)
		return
	}

	if update.Name != nil {
		asst.Name = *update.Name
	}
	if update.Discipline != nil {
		asst.Discipline = *update.Discipline
	}
	if update.AvailableAt != nil {
		asst.AvailableAt = *update.AvailableAt
	}
	if update.DueAt != nil {
		asst.DueAt = *update.DueAt
	}
	if update.MaxAttempts != nil {
		asst.MaxAttempts = *update.MaxAttempts
	}
	asst.UpdatedAt = now
	if err := asst.Normalize(now); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := meddler.Update(tx, "assignments", asst); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, asst)
}

// PostAssignmentNotebook handles /v2/assignments/:assignment_id/notebook,
// replacing the instructor notebook. The replacement goes through the
// same validation and redaction as the original upload, and the
// maximum points are recomputed. Tutors only.
func PostAssignmentNotebook(w http.ResponseWriter, r *http.Request, tx *sql.Tx, params martini.Params, currentUser *User, render render.Render) {
	now := time.Now()
	asst, err := loadAssignment(w, tx, params, currentUser)
	if err != nil {
		return
	}
	if asst.UserID != currentUser.ID && !currentUser.Admin {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d does not own assignment %d", currentUser.ID, asst.ID)
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
	if err := nb.Validate(); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "notebook rejected: %v", err)
		return
	}
	redacted, err := nb.Redact().Bytes()
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error encoding redacted notebook: %v", err)
		return
	}

	// replace the stored files
	files := []*AssignmentFile{}
	if err := meddler.QueryAll(tx, &files, `SELECT * FROM assignment_files WHERE assignment_id = ?`, asst.ID); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	for _, old := range files {
		content := redacted
		if old.Kind == FileKindOriginal {
			content = raw
		}
		path, link, err := fileStore.Save("assignments", fmt.Sprintf("%d-%s-%s", asst.ID, old.Kind, header.Filename), content)
		if err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "error storing %s notebook: %v", old.Kind, err)
			return
		}
		stale := old.Path
		old.Path, old.Link = path, link
		if err := meddler.Update(tx, "assignment_files", old); err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
			return
		}
		if stale != path {
			if err := fileStore.Delete(stale); err != nil {
				loggedErrorf("error deleting stored file %s: %v", stale, err)
			}
		}
	}

	asst.MaxPoints = nb.TotalPoints()
	asst.UpdatedAt = now
	if err := meddler.Update(tx, "assignments", asst); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, asst)
}

// GetAssignmentNotebook handles /v2/assignments/:assignment_id/notebook,
// serving the notebook file. Students always get the redacted student
// version; tutors can request the instructor original with
// kind=original.
func GetAssignmentNotebook(w http.ResponseWriter, r *http.Request, tx *sql.Tx, params martini.Params, currentUser *User) {
	asst, err := loadAssignment(w, tx, params, currentUser)
	if err != nil {
		return
	}

	kind := FileKindRedacted
	if r.FormValue("kind") == FileKindOriginal {
		if !currentUser.CanAuthor() {
			loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d (%s) is not a tutor", currentUser.ID, currentUser.Email)
			return
		}
		kind = FileKindOriginal
	}

	record := new(AssignmentFile)
	err = meddler.QueryRow(tx, record, `SELECT * FROM assignment_files WHERE assignment_id = ? AND kind = ?`, asst.ID, kind)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	raw, err := fileStore.Load(record.Path)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error loading stored notebook: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ipynb+json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asst.Name+".ipynb"))
	w.Write(raw)
}

// GetAssignmentStats handles /v2/assignments/:assignment_id/stats,
// summarizing the submissions so far. Tutors only.
func GetAssignmentStats(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User, render render.Render) {
	asst, err := loadAssignment(w, tx, params, currentUser)
	if err != nil {
		return
	}

	stats := &AssignmentStats{AssignmentID: asst.ID, MaxPoints: asst.MaxPoints}
	err = tx.QueryRow(`SELECT COUNT(1), `+
		`COUNT(CASE WHEN attempt_count > 0 THEN 1 END), `+
		`COALESCE(AVG(CASE WHEN attempt_count > 0 THEN score END), 0), `+
		`COUNT(CASE WHEN attempt_count > 0 AND score >= ? THEN 1 END) `+
		`FROM submissions WHERE assignment_id = ?`, asst.MaxPoints, asst.ID).
		Scan(&stats.SubmissionCount, &stats.GradedCount, &stats.AverageScore, &stats.PerfectCount)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, stats)
}

// DeleteAssignment handles /v2/assignments/:assignment_id, deleting an
// assignment and all submissions to it. Tutors only, and only their own
// assignments unless they are administrators.
func DeleteAssignment(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User) {
	asst, err := loadAssignment(w, tx, params, currentUser)
	if err != nil {
		return
	}
	if asst.UserID != currentUser.ID && !currentUser.Admin {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d does not own assignment %d", currentUser.ID, asst.ID)
		return
	}

	// collect the stored file paths before the cascade wipes the rows
	paths := []string{}
	rows, err := tx.Query(`SELECT path FROM assignment_files WHERE assignment_id = ? `+
		`UNION ALL SELECT path FROM submission_files WHERE assignment_id = ?`, asst.ID, asst.ID)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
			return
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM assignments WHERE id = ?`, asst.ID); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	for _, path := range paths {
		if err := fileStore.Delete(path); err != nil {
			loggedErrorf("error deleting stored file %s: %v", path, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
