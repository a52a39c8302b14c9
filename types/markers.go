package types

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Sentinel lines recognized inside code cells. Each marker pair delimits an
// inclusive region of the cell's source: the solution body that students must
// write themselves, or the hidden tests that are stripped before distribution.
const (
	BeginSolution    = "### BEGIN SOLUTION"
	EndSolution      = "### END SOLUTION"
	BeginHiddenTests = "### BEGIN HIDDEN TESTS"
	EndHiddenTests   = "### END HIDDEN TESTS"

	// SolutionPlaceholder replaces a redacted solution region.
	SolutionPlaceholder = "### WRITE SOLUTION HERE"
)

// A scored test cell is recognized by its scoring comment, e.g.
// "# Tests 10 points." The point value is captured by pointsPattern.
const (
	scoredTestToken  = "# Tests "
	scoredTestSuffix = " points."
	functionToken    = "def"
)

var pointsPattern = regexp.MustCompile(`# Tests (\d+) points`)

var (
	ErrMissingSolution    = errors.New("no solution marker pair found for a cell that defines a function")
	ErrMissingHiddenTests = errors.New("no complete hidden-test marker pair found for a scored test cell")
)

// markerSpan records the first line index of a begin and end sentinel within
// one cell. An index of -1 means the sentinel never appeared.
type markerSpan struct {
	begin, end int
}

func (s markerSpan) complete() bool {
	return s.begin >= 0 && s.end >= 0
}

// cellMarkers is the result of scanning one cell's lines for sentinel pairs.
type cellMarkers struct {
	solution    markerSpan
	hiddenTests markerSpan
}

type scanState int

const (
	seeking scanState = iota
	insideSolution
	insideHiddenTests
)

// scanCell runs a small state machine over the cell's lines, recording the
// first complete (or dangling) sentinel pair of each kind. Every line is
// trimmed before comparison, for both marker kinds.
func scanCell(lines []string) cellMarkers {
	m := cellMarkers{
		solution:    markerSpan{begin: -1, end: -1},
		hiddenTests: markerSpan{begin: -1, end: -1},
	}
	state := seeking

	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case BeginSolution:
			if state == seeking && m.solution.begin < 0 {
				m.solution.begin = i
				state = insideSolution
			}

		case EndSolution:
			switch {
			case state == insideSolution && m.solution.end < 0:
				m.solution.end = i
				state = seeking
			case state == seeking && m.solution.begin < 0 && m.solution.end < 0:
				// dangling end sentinel: record it so the cell is seen
				// as malformed rather than unmarked
				m.solution.end = i
			}

		case BeginHiddenTests:
			if state == seeking && m.hiddenTests.begin < 0 {
				m.hiddenTests.begin = i
				state = insideHiddenTests
			}

		case EndHiddenTests:
			switch {
			case state == insideHiddenTests && m.hiddenTests.end < 0:
				m.hiddenTests.end = i
				state = seeking
			case state == seeking && m.hiddenTests.begin < 0 && m.hiddenTests.end < 0:
				m.hiddenTests.end = i
			}
		}
	}

	return m
}

// IsScoredTest reports whether the cell carries a scoring comment and is
// therefore subject to hidden-test substitution during grading.
func (cell *Cell) IsScoredTest() bool {
	return cell.IsCode() &&
		strings.Contains(cell.Source, scoredTestToken) &&
		strings.Contains(cell.Source, scoredTestSuffix)
}

// Points returns the point value declared by the cell's scoring comment.
// Cells without a scoring comment are worth zero.
func (cell *Cell) Points() int64 {
	match := pointsPattern.FindStringSubmatch(cell.Source)
	if match == nil {
		return 0
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Validate checks a tutor notebook for the structure grading depends on:
// every function-defining code cell must carry a complete solution marker
// pair, every scored test cell must carry a complete hidden-test marker pair,
// and there must be at least one scored test cell. It is a read-only pass and
// runs at upload and update time only, never during grading.
func (nb *Notebook) Validate() error {
	solutionsOK := true
	testsOK := true
	scored := 0

	for _, cell := range nb.Cells {
		if !cell.IsCode() {
			continue
		}
		m := scanCell(cell.Lines())

		if strings.Contains(cell.Source, functionToken) && !m.solution.complete() {
			solutionsOK = false
		}
		if cell.IsScoredTest() {
			if !m.hiddenTests.complete() {
				testsOK = false
			}
			scored++
		}
	}

	if !solutionsOK {
		return ErrMissingSolution
	}
	if !testsOK || scored == 0 {
		return ErrMissingHiddenTests
	}
	return nil
}

// Redact produces the distributable variant of a tutor notebook: solution
// regions are replaced by a single placeholder line and hidden-test regions
// are removed outright. Cells without markers pass through untouched, so the
// transform never fails and is idempotent. The receiver is not modified.
func (nb *Notebook) Redact() *Notebook {
	out := nb.Copy()

	for _, cell := range out.Cells {
		if !cell.IsCode() {
			continue
		}

		lines := cell.Lines()
		if m := scanCell(lines); m.solution.complete() {
			replaced := make([]string, 0, len(lines))
			replaced = append(replaced, lines[:m.solution.begin]...)
			replaced = append(replaced, SolutionPlaceholder)
			replaced = append(replaced, lines[m.solution.end+1:]...)
			lines = replaced
		}

		// rescan: the splice above may have shifted line indices
		if m := scanCell(lines); m.hiddenTests.complete() {
			removed := make([]string, 0, len(lines))
			removed = append(removed, lines[:m.hiddenTests.begin]...)
			removed = append(removed, lines[m.hiddenTests.end+1:]...)
			lines = removed
		}

		cell.Source = strings.Join(lines, "\n")
	}

	return out
}

// TotalPoints computes the maximum achievable score for the notebook: the sum
// of every code cell's declared point value. It assumes Validate already ran.
func (nb *Notebook) TotalPoints() int64 {
	var total int64
	for _, cell := range nb.Cells {
		if cell.IsCode() {
			total += cell.Points()
		}
	}
	return total
}
