package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "authograder/types"
)

// stubExecutor stands in for a kernel container: it records every cell
// source it is given and reports canned outcomes.
type stubExecutor struct {
	executed []string
	outcomes map[string]string
	shutdown bool
}

func (s *stubExecutor) ExecuteCell(ctx context.Context, index int, source string) *CellResult {
	s.executed = append(s.executed, source)
	outcome := OutcomePassed
	if o, ok := s.outcomes[source]; ok {
		outcome = o
	}
	return &CellResult{Outcome: outcome}
}

func (s *stubExecutor) Shutdown() {
	s.shutdown = true
}

func testBudgets(t *testing.T) {
	t.Helper()
	Config.CellSeconds = 30
	Config.GradingSeconds = 300
}

func gradingFixture() (student, instructor *Notebook) {
	instructor = &Notebook{
		NBFormat: 4,
		Cells: []*Cell{
			{Type: "markdown", Source: "# Doubling"},
			{Type: "code", Source: "### BEGIN SOLUTION\ndef double(x):\n    return 2 * x\n### END SOLUTION"},
			{Type: "code", Source: "# Tests 5 points.\nassert double(2) == 4\n### BEGIN HIDDEN TESTS\nassert double(-3) == -6\n### END HIDDEN TESTS"},
			{Type: "code", Source: "# Tests 10 points.\nassert double(0) == 0\n### BEGIN HIDDEN TESTS\nassert double(7) == 14\n### END HIDDEN TESTS"},
		},
	}

	student = instructor.Redact()
	student.Cells[1].Source = "def double(x):\n    return 2 * x"
	return student, instructor
}

func TestGradeNotebookAllPassing(t *testing.T) {
	testBudgets(t)
	student, instructor := gradingFixture()
	exec := &stubExecutor{}

	score, feedback, err := gradeNotebook(context.Background(), exec, student, instructor)
	require.NoError(t, err)
	assert.Equal(t, int64(15), score)
	assert.Empty(t, feedback)

	// every student code cell ran, and both scored cells ran again in
	// their instructor form, hidden tests included
	require.Len(t, exec.executed, 5)
	assert.Equal(t, student.Cells[1].Source, exec.executed[0])
	assert.Equal(t, student.Cells[2].Source, exec.executed[1])
	assert.Equal(t, instructor.Cells[2].Source, exec.executed[2])
	assert.Equal(t, student.Cells[3].Source, exec.executed[3])
	assert.Equal(t, instructor.Cells[3].Source, exec.executed[4])
}

func TestGradeNotebookFailedTestCell(t *testing.T) {
	testBudgets(t)
	student, instructor := gradingFixture()
	exec := &stubExecutor{outcomes: map[string]string{
		instructor.Cells[3].Source: OutcomeAssertion,
	}}

	score, feedback, err := gradeNotebook(context.Background(), exec, student, instructor)
	require.NoError(t, err)
	assert.Equal(t, int64(5), score)
	assert.Equal(t, []int{3}, feedback)
}

func TestGradeNotebookErrorInTestCellScoresZeroForThatCell(t *testing.T) {
	testBudgets(t)
	student, instructor := gradingFixture()
	exec := &stubExecutor{outcomes: map[string]string{
		instructor.Cells[2].Source: OutcomeError,
	}}

	score, feedback, err := gradeNotebook(context.Background(), exec, student, instructor)
	require.NoError(t, err)
	assert.Equal(t, int64(10), score)
	assert.Equal(t, []int{2}, feedback)
}

func TestGradeNotebookStudentErrorsAreSwallowed(t *testing.T) {
	testBudgets(t)
	student, instructor := gradingFixture()
	exec := &stubExecutor{outcomes: map[string]string{
		student.Cells[1].Source: OutcomeError,
	}}

	// the broken solution still runs, and the tests still decide the score
	score, _, err := gradeNotebook(context.Background(), exec, student, instructor)
	require.NoError(t, err)
	assert.Equal(t, int64(15), score)
	require.Len(t, exec.executed, 5)
}

func TestGradeNotebookIgnoresTamperedTestCells(t *testing.T) {
	testBudgets(t)
	student, instructor := gradingFixture()

	// blanking or rewriting the visible test cell must not help:
	// the instructor's version runs on top and decides the score
	student.Cells[2].Source = ""
	student.Cells[3].Source = "print('all good, honest')"
	exec := &stubExecutor{outcomes: map[string]string{
		instructor.Cells[3].Source: OutcomeAssertion,
	}}

	score, feedback, err := gradeNotebook(context.Background(), exec, student, instructor)
	require.NoError(t, err)
	assert.Equal(t, int64(5), score)
	assert.Equal(t, []int{3}, feedback)
	assert.Contains(t, strings.Join(exec.executed, "\n"), "assert double(-3) == -6")
}

func TestGradeNotebookCellCountMismatch(t *testing.T) {
	testBudgets(t)
	student, instructor := gradingFixture()
	student.Cells = student.Cells[:len(student.Cells)-1]
	exec := &stubExecutor{}

	_, _, err := gradeNotebook(context.Background(), exec, student, instructor)
	require.Error(t, err)
	assert.Empty(t, exec.executed, "nothing should execute when the layout does not match")
}

func TestGradeNotebookSkipsNonCodeCells(t *testing.T) {
	testBudgets(t)
	student, instructor := gradingFixture()
	exec := &stubExecutor{}

	_, _, err := gradeNotebook(context.Background(), exec, student, instructor)
	require.NoError(t, err)
	for _, src := range exec.executed {
		assert.NotContains(t, src, "# Doubling")
	}
}

func TestGradeNotebookTwoScoredCellsOneFailing(t *testing.T) {
	testBudgets(t)
	instructor := &Notebook{
		NBFormat: 4,
		Cells: []*Cell{
			{Type: "markdown", Source: "# Two functions"},
			{Type: "code", Source: "# Tests 5 points.\nassert f() == 1\n### BEGIN HIDDEN TESTS\nassert f() == 1\n### END HIDDEN TESTS"},
			{Type: "markdown", Source: "now the second one"},
			{Type: "code", Source: "### BEGIN SOLUTION\ndef g():\n    return 2\n### END SOLUTION"},
			{Type: "code", Source: "# Tests 10 points.\nassert g() == 2\n### BEGIN HIDDEN TESTS\nassert g() == 2\n### END HIDDEN TESTS"},
		},
	}
	student := instructor.Redact()
	exec := &stubExecutor{outcomes: map[string]string{
		instructor.Cells[4].Source: OutcomeAssertion,
	}}

	score, feedback, err := gradeNotebook(context.Background(), exec, student, instructor)
	require.NoError(t, err)
	assert.Equal(t, int64(5), score)
	assert.Equal(t, []int{4}, feedback)
}

func TestPrecheckToleratesAssertionsOnly(t *testing.T) {
	testBudgets(t)
	student, _ := gradingFixture()

	// visible tests failing against unfinished work is fine
	exec := &stubExecutor{outcomes: map[string]string{
		student.Cells[2].Source: OutcomeAssertion,
	}}
	require.NoError(t, precheckNotebook(context.Background(), exec, student))

	// a hard error is not
	exec = &stubExecutor{outcomes: map[string]string{
		student.Cells[1].Source: OutcomeError,
	}}
	err := precheckNotebook(context.Background(), exec, student)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cell 1")
}
