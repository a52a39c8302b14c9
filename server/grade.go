package main

import (
	"context"
	"fmt"
	"time"

	. "authograder/types"
)

// precheckNotebook executes every code cell of a freshly uploaded
// notebook to catch broken code before the submission is accepted.
// Failed assertions are expected at this stage (the visible tests run
// against unfinished work), so only hard errors are reported.
func precheckNotebook(ctx context.Context, exec CellExecutor, nb *Notebook) error {
	for i, cell := range nb.Cells {
		if !cell.IsCode() {
			continue
		}
		cellCtx, cancel := context.WithTimeout(ctx, time.Duration(Config.CellSeconds)*time.Second)
		result := exec.ExecuteCell(cellCtx, i, cell.Source)
		cancel()
		if ctx.Err() != nil {
			return fmt.Errorf("checking the notebook took too long: %v", ctx.Err())
		}
		if result.Outcome == OutcomeError {
			return fmt.Errorf("cell %d raised an error:\n%s", i, result.Output)
		}
	}
	return nil
}

// gradeNotebook runs a full grading pass over a student notebook.
//
// Cells execute in order in a single interpreter session. Code cells
// run as submitted with any failure swallowed, and for scored test
// cells the instructor's version then runs on top, so a submission
// cannot dodge hidden tests by editing the test cell. Only the
// instructor's test cells decide the score.
//
// It returns the total points earned and the indexes of the scored
// cells that failed.
func gradeNotebook(ctx context.Context, exec CellExecutor, student, instructor *Notebook) (int64, []int, error) {
	if len(student.Cells) != len(instructor.Cells) {
		return 0, nil, fmt.Errorf("notebook has %d cells but the assignment has %d",
			len(student.Cells), len(instructor.Cells))
	}

	score := int64(0)
	feedback := []int{}
	for i, cell := range student.Cells {
		if cell.IsCode() {
			// student code runs as submitted, outcome does not matter here
			runCell(ctx, exec, i, cell.Source)
		}

		// the instructor notebook decides which cells are scored, so a
		// rewritten or blanked test cell still gets tested
		if instructorCell := instructor.Cells[i]; instructorCell.IsScoredTest() {
			result := runCell(ctx, exec, i, instructorCell.Source)
			if result.Passed() {
				score += instructorCell.Points()
			} else {
				feedback = append(feedback, i)
			}
		}

		if ctx.Err() != nil {
			return 0, nil, fmt.Errorf("grading took too long: %v", ctx.Err())
		}
	}

	return score, feedback, nil
}

func runCell(ctx context.Context, exec CellExecutor, index int, source string) *CellResult {
	cellCtx, cancel := context.WithTimeout(ctx, time.Duration(Config.CellSeconds)*time.Second)
	defer cancel()
	return exec.ExecuteCell(cellCtx, index, source)
}
