package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInstructions(t *testing.T) {
	nb := &Notebook{
		NBFormat: 4,
		Cells: []*Cell{
			{Type: "markdown", Source: "# Sorting\n\nImplement *quicksort* below."},
			{Type: "code", Source: "def quicksort(a): pass"},
			{Type: "markdown", Source: "Submit when `all tests` pass."},
		},
	}

	out, err := nb.BuildInstructions()
	require.NoError(t, err)
	assert.Contains(t, out, "<h1>Sorting</h1>")
	assert.Contains(t, out, "<em>quicksort</em>")
	assert.Contains(t, out, "<code>all tests</code>")

	// code cells never leak into the instructions
	assert.NotContains(t, out, "def quicksort")
}

func TestBuildInstructionsEmptyWithoutMarkdown(t *testing.T) {
	nb := &Notebook{
		NBFormat: 4,
		Cells:    []*Cell{{Type: "code", Source: "x = 1"}},
	}
	out, err := nb.BuildInstructions()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBuildInstructionsInlinesAttachments(t *testing.T) {
	nb := &Notebook{
		NBFormat: 4,
		Cells: []*Cell{
			{
				Type:        "markdown",
				Source:      "![diagram](attachment:diagram.png)",
				Attachments: json.RawMessage(`{"diagram.png": {"image/png": "aGVsbG8="}}`),
			},
		},
	}

	out, err := nb.BuildInstructions()
	require.NoError(t, err)
	assert.Contains(t, out, `src="data:image/png;base64,aGVsbG8="`)
	assert.NotContains(t, out, "attachment:diagram.png")
}

func TestBuildInstructionsDropsScripts(t *testing.T) {
	nb := &Notebook{
		NBFormat: 4,
		Cells: []*Cell{
			{Type: "markdown", Source: "before\n\n<script>alert('xss')</script>\n\nafter"},
		},
	}

	out, err := nb.BuildInstructions()
	require.NoError(t, err)
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "before")
	assert.Contains(t, out, "after")
}
