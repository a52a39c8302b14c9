package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codeCell(lines ...string) *Cell {
	return &Cell{Type: "code", Source: strings.Join(lines, "\n")}
}

func markdownCell(text string) *Cell {
	return &Cell{Type: "markdown", Source: text}
}

func instructorNotebook() *Notebook {
	return &Notebook{
		NBFormat: 4,
		Cells: []*Cell{
			markdownCell("# Warmup\n\nWrite a doubling function."),
			codeCell(
				"### BEGIN SOLUTION",
				"def double(x):",
				"    return 2 * x",
				"### END SOLUTION",
			),
			codeCell(
				"# Tests 5 points.",
				"assert double(2) == 4",
				"### BEGIN HIDDEN TESTS",
				"assert double(-3) == -6",
				"### END HIDDEN TESTS",
			),
			codeCell(
				"# Tests 10 points.",
				"assert double(0) == 0",
				"### BEGIN HIDDEN TESTS",
				"assert double(10**6) == 2 * 10**6",
				"### END HIDDEN TESTS",
			),
		},
	}
}

func TestValidateAcceptsCompleteNotebook(t *testing.T) {
	require.NoError(t, instructorNotebook().Validate())
}

func TestValidateRejectsFunctionWithoutSolutionMarkers(t *testing.T) {
	nb := instructorNotebook()
	nb.Cells[1].Source = "def double(x):\n    return 2 * x"
	assert.ErrorIs(t, nb.Validate(), ErrMissingSolution)
}

func TestValidateRejectsDanglingSolutionMarker(t *testing.T) {
	nb := instructorNotebook()
	nb.Cells[1] = codeCell(
		"### BEGIN SOLUTION",
		"def double(x):",
		"    return 2 * x",
	)
	assert.ErrorIs(t, nb.Validate(), ErrMissingSolution)

	nb.Cells[1] = codeCell(
		"def double(x):",
		"    return 2 * x",
		"### END SOLUTION",
	)
	assert.ErrorIs(t, nb.Validate(), ErrMissingSolution)
}

func TestValidateRejectsScoredCellWithoutHiddenTests(t *testing.T) {
	nb := instructorNotebook()
	nb.Cells[2] = codeCell(
		"# Tests 5 points.",
		"assert double(2) == 4",
	)
	assert.ErrorIs(t, nb.Validate(), ErrMissingHiddenTests)
}

func TestValidateRejectsNotebookWithNoScoredCells(t *testing.T) {
	nb := &Notebook{
		NBFormat: 4,
		Cells: []*Cell{
			markdownCell("nothing to grade here"),
			codeCell("print('hello')"),
		},
	}
	assert.ErrorIs(t, nb.Validate(), ErrMissingHiddenTests)
}

func TestValidateReportsMissingSolutionFirst(t *testing.T) {
	// both problems present: the solution complaint wins
	nb := &Notebook{
		NBFormat: 4,
		Cells: []*Cell{
			codeCell("def double(x):", "    return 2 * x"),
			codeCell("# Tests 5 points.", "assert double(2) == 4"),
		},
	}
	assert.ErrorIs(t, nb.Validate(), ErrMissingSolution)
}

func TestValidateTrimsMarkerLines(t *testing.T) {
	nb := instructorNotebook()
	nb.Cells[1] = codeCell(
		"   ### BEGIN SOLUTION   ",
		"def double(x):",
		"    return 2 * x",
		"\t### END SOLUTION",
	)
	require.NoError(t, nb.Validate())
}

func TestRedactReplacesSolutionAndStripsHiddenTests(t *testing.T) {
	nb := instructorNotebook()
	redacted := nb.Redact()

	solution := redacted.Cells[1].Source
	assert.Equal(t, SolutionPlaceholder, solution)
	assert.NotContains(t, solution, "return 2 * x")

	tests := redacted.Cells[2].Source
	assert.Contains(t, tests, "assert double(2) == 4")
	assert.NotContains(t, tests, "double(-3)")
	assert.NotContains(t, tests, "BEGIN HIDDEN TESTS")
	assert.NotContains(t, tests, "END HIDDEN TESTS")

	// cell counts never change
	assert.Equal(t, len(nb.Cells), len(redacted.Cells))
}

func TestRedactLeavesReceiverUntouched(t *testing.T) {
	nb := instructorNotebook()
	_ = nb.Redact()
	assert.Contains(t, nb.Cells[1].Source, "return 2 * x")
	assert.Contains(t, nb.Cells[2].Source, "double(-3)")
}

func TestRedactIsIdempotent(t *testing.T) {
	once := instructorNotebook().Redact()
	twice := once.Redact()
	for i := range once.Cells {
		assert.Equal(t, once.Cells[i].Source, twice.Cells[i].Source, "cell %d changed on the second pass", i)
	}
}

func TestRedactSurroundingCodeSurvives(t *testing.T) {
	nb := instructorNotebook()
	nb.Cells[1] = codeCell(
		"import math",
		"### BEGIN SOLUTION",
		"def area(r):",
		"    return math.pi * r * r",
		"### END SOLUTION",
		"print('ready')",
	)
	redacted := nb.Redact()
	assert.Equal(t, "import math\n"+SolutionPlaceholder+"\nprint('ready')", redacted.Cells[1].Source)
}

func TestIsScoredTestNeedsBothTokens(t *testing.T) {
	assert.True(t, codeCell("# Tests 5 points.", "assert True").IsScoredTest())
	assert.False(t, codeCell("# Tests something", "assert True").IsScoredTest())
	assert.False(t, codeCell("worth many points.", "assert True").IsScoredTest())
	assert.False(t, markdownCell("# Tests 5 points.").IsScoredTest())
}

func TestPointsTakesFirstMatchOnly(t *testing.T) {
	cell := codeCell("# Tests 5 points.", "# Tests 10 points.")
	assert.Equal(t, int64(5), cell.Points())
	assert.Equal(t, int64(0), codeCell("assert True").Points())
}

func TestTotalPoints(t *testing.T) {
	assert.Equal(t, int64(15), instructorNotebook().TotalPoints())
}
