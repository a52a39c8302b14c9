package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleNotebook = `{
 "cells": [
  {
   "cell_type": "markdown",
   "metadata": {},
   "source": ["# Title\n", "\n", "Some text."]
  },
  {
   "cell_type": "code",
   "execution_count": 3,
   "metadata": {"tags": ["keep"]},
   "outputs": [{"output_type": "stream", "name": "stdout", "text": ["hi\n"]}],
   "source": "print('hi')"
  }
 ],
 "metadata": {"kernelspec": {"name": "python3"}},
 "nbformat": 4,
 "nbformat_minor": 5
}`

func TestParseNotebook(t *testing.T) {
	nb, err := ParseNotebook([]byte(sampleNotebook))
	require.NoError(t, err)
	require.Len(t, nb.Cells, 2)

	// list-of-lines and plain-string sources both normalize to one string
	assert.Equal(t, "# Title\n\nSome text.", nb.Cells[0].Source)
	assert.Equal(t, "print('hi')", nb.Cells[1].Source)
	assert.True(t, nb.Cells[1].IsCode())
	assert.False(t, nb.Cells[0].IsCode())
}

func TestParseNotebookRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"cells": [}`,
		"wrong version":   `{"cells": [], "nbformat": 3}`,
		"no cell list":    `{"nbformat": 4}`,
		"missing type":    `{"cells": [{"source": "x"}], "nbformat": 4}`,
		"non-list source": `{"cells": [{"cell_type": "code", "source": 42}], "nbformat": 4}`,
	}
	for name, input := range cases {
		_, err := ParseNotebook([]byte(input))
		require.Error(t, err, name)
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr, name)
	}

	_, err := ParseNotebook([]byte{0xff, 0xfe, '{', '}'})
	require.Error(t, err)
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestBytesRoundTrip(t *testing.T) {
	nb, err := ParseNotebook([]byte(sampleNotebook))
	require.NoError(t, err)

	raw, err := nb.Bytes()
	require.NoError(t, err)
	again, err := ParseNotebook(raw)
	require.NoError(t, err)

	require.Len(t, again.Cells, 2)
	for i := range nb.Cells {
		assert.Equal(t, nb.Cells[i].Type, again.Cells[i].Type)
		assert.Equal(t, nb.Cells[i].Source, again.Cells[i].Source)
	}
	assert.Equal(t, nb.NBFormatMinor, again.NBFormatMinor)

	// cell metadata and outputs survive the round trip
	assert.JSONEq(t, `{"tags": ["keep"]}`, string(again.Cells[1].Metadata))
	assert.JSONEq(t, `[{"output_type": "stream", "name": "stdout", "text": ["hi\n"]}]`,
		string(again.Cells[1].Outputs))
}

func TestMarshalFillsRequiredCodeCellKeys(t *testing.T) {
	cell := &Cell{Type: CellTypeCode, Source: "x = 1\ny = 2"}
	raw, err := json.Marshal(cell)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.JSONEq(t, `{}`, string(wire["metadata"]))
	assert.JSONEq(t, `[]`, string(wire["outputs"]))
	assert.JSONEq(t, `null`, string(wire["execution_count"]))
	assert.JSONEq(t, `["x = 1\n", "y = 2"]`, string(wire["source"]))
}

func TestCopyIsIndependent(t *testing.T) {
	nb, err := ParseNotebook([]byte(sampleNotebook))
	require.NoError(t, err)

	clone := nb.Copy()
	clone.Cells[1].Source = "changed"
	assert.Equal(t, "print('hi')", nb.Cells[1].Source)
}
