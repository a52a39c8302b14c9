package main

import (
	"database/sql"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/render"
	"github.com/russross/meddler"

	. "authograder/types"
)

type homeView struct {
	User        *User
	Assignments []*assignmentRow
}

type assignmentRow struct {
	*Assignment
	Submission *Submission
}

// HomePage lists the assignments the current user can see, with the
// user's own submission alongside each one.
func HomePage(w http.ResponseWriter, tx *sql.Tx, currentUser *User, render render.Render) {
	where, args := "", []interface{}{}
	if !currentUser.CanAuthor() {
		where = " WHERE available_at <= datetime('now', 'localtime')"
	}
	assignments := []*Assignment{}
	if err := meddler.QueryAll(tx, &assignments, `SELECT * FROM assignments`+where+` ORDER BY due_at, id`, args...); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}

	subs := []*Submission{}
	if err := meddler.QueryAll(tx, &subs, `SELECT * FROM submissions WHERE user_id = ?`, currentUser.ID); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	byAssignment := make(map[int64]*Submission)
	for _, sub := range subs {
		byAssignment[sub.AssignmentID] = sub
	}

	view := &homeView{User: currentUser}
	for _, asst := range assignments {
		view.Assignments = append(view.Assignments, &assignmentRow{
			Assignment: asst,
			Submission: byAssignment[asst.ID],
		})
	}
	render.HTML(http.StatusOK, "assignments", view)
}

type assignmentView struct {
	User         *User
	Assignment   *Assignment
	Submission   *Submission
	Instructions template.HTML
}

// AssignmentPage shows one assignment: its instructions rendered from
// the markdown cells of the student notebook, the download link, and
// the user's submission status.
func AssignmentPage(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User, render render.Render) {
	asst, err := loadAssignment(w, tx, params, currentUser)
	if err != nil {
		return
	}

	record := new(AssignmentFile)
	if err := meddler.QueryRow(tx, record, `SELECT * FROM assignment_files WHERE assignment_id = ? AND kind = ?`, asst.ID, FileKindRedacted); err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	raw, err := fileStore.Load(record.Path)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error loading stored notebook: %v", err)
		return
	}
	nb, err := ParseNotebook(raw)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error parsing stored notebook: %v", err)
		return
	}
	instructions, err := nb.BuildInstructions()
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error building instructions: %v", err)
		return
	}

	view := &assignmentView{
		User:         currentUser,
		Assignment:   asst,
		Instructions: template.HTML(instructions),
	}
	sub := new(Submission)
	err = meddler.QueryRow(tx, sub, `SELECT * FROM submissions WHERE assignment_id = ? AND user_id = ?`, asst.ID, currentUser.ID)
	if err == nil {
		view.Submission = sub
	} else if err != sql.ErrNoRows {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.HTML(http.StatusOK, "assignment", view)
}

type feedbackView struct {
	User       *User
	Assignment *Assignment
	Submission *Submission
	Cells      []*feedbackCell
}

type feedbackCell struct {
	Index   int
	Type    string
	Source  string
	Failed  bool
	Outputs []template.HTML
}

// FeedbackPage shows a graded submission cell by cell: the submitted
// source, the recorded outputs, and which scored cells failed.
func FeedbackPage(w http.ResponseWriter, tx *sql.Tx, params martini.Params, currentUser *User, render render.Render) {
	sub, err := loadSubmission(w, tx, params, currentUser)
	if err != nil {
		return
	}
	asst := new(Assignment)
	if err := meddler.Load(tx, "assignments", asst, sub.AssignmentID); err != nil {
		loggedHTTPDBNotFoundError(w, err)
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
	nb, err := ParseNotebook(raw)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "error parsing stored notebook: %v", err)
		return
	}

	failed := make(map[int]bool)
	for _, index := range sub.Feedback {
		failed[index] = true
	}

	view := &feedbackView{User: currentUser, Assignment: asst, Submission: sub}
	for i, cell := range nb.Cells {
		view.Cells = append(view.Cells, &feedbackCell{
			Index:   i,
			Type:    cell.Type,
			Source:  cell.Source,
			Failed:  failed[i],
			Outputs: cellOutputsHTML(cell),
		})
	}
	render.HTML(http.StatusOK, "feedback", view)
}

// multilineString accepts the notebook convention of a string that may
// be stored as a list of lines.
type multilineString string

func (m *multilineString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multilineString(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return err
	}
	*m = multilineString(strings.Join(lines, ""))
	return nil
}

// cellOutputsHTML renders a cell's recorded outputs. Stream output,
// results, and tracebacks come through with their terminal colors
// intact; anything without a text form is skipped.
func cellOutputsHTML(cell *Cell) []template.HTML {
	if len(cell.Outputs) == 0 {
		return nil
	}
	var outputs []struct {
		Type      string                     `json:"output_type"`
		Text      multilineString            `json:"text"`
		Data      map[string]multilineString `json:"data"`
		Traceback []string                   `json:"traceback"`
	}
	if err := json.Unmarshal(cell.Outputs, &outputs); err != nil {
		return nil
	}

	var rendered []template.HTML
	for _, out := range outputs {
		switch out.Type {
		case "stream":
			rendered = append(rendered, CellOutputHTML(string(out.Text)))
		case "execute_result", "display_data":
			if text, ok := out.Data["text/plain"]; ok {
				rendered = append(rendered, CellOutputHTML(string(text)))
			}
		case "error":
			rendered = append(rendered, CellOutputHTML(strings.Join(out.Traceback, "\n")))
		}
	}
	return rendered
}
