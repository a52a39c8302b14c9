package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Cell types as defined by the nbformat v4 interchange format.
const (
	CellTypeCode     = "code"
	CellTypeMarkdown = "markdown"
	CellTypeRaw      = "raw"
)

// Notebook is a parsed Jupyter notebook: an ordered list of cells plus
// document metadata that is carried through decode/encode untouched.
type Notebook struct {
	Cells         []*Cell         `json:"cells"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	NBFormat      int             `json:"nbformat"`
	NBFormatMinor int             `json:"nbformat_minor"`
}

// Cell is a single notebook cell. Source is normalized to a plain string;
// all other fields pass through as raw JSON so re-encoding a notebook does
// not lose outputs, attachments, or tool-specific metadata.
type Cell struct {
	Type           string
	Source         string
	Metadata       json.RawMessage
	Outputs        json.RawMessage
	ExecutionCount json.RawMessage
	Attachments    json.RawMessage
}

// cellJSON is the wire form of a cell. nbformat allows the source field to be
// either a single string or a list of line strings, so it gets custom handling.
type cellJSON struct {
	Type           string          `json:"cell_type"`
	Source         json.RawMessage `json:"source"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Outputs        json.RawMessage `json:"outputs,omitempty"`
	ExecutionCount json.RawMessage `json:"execution_count,omitempty"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
}

// DecodeError reports input that could not be parsed as a version 4 notebook.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding notebook: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{Err: fmt.Errorf(format, args...)}
}

// ParseNotebook decodes raw .ipynb bytes into a Notebook.
// Any failure is reported as a *DecodeError.
func ParseNotebook(raw []byte) (*Notebook, error) {
	if !utf8.Valid(raw) {
		return nil, decodeErrorf("input is not valid utf8")
	}

	nb := new(Notebook)
	if err := json.Unmarshal(raw, nb); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if nb.NBFormat != 4 {
		return nil, decodeErrorf("unsupported nbformat version %d (want 4)", nb.NBFormat)
	}
	if nb.Cells == nil {
		return nil, decodeErrorf("notebook has no cell list")
	}
	for i, cell := range nb.Cells {
		if cell.Type == "" {
			return nil, decodeErrorf("cell %d has no cell_type", i)
		}
	}

	return nb, nil
}

// Bytes re-encodes the notebook for storage.
func (nb *Notebook) Bytes() ([]byte, error) {
	raw, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// Copy returns a deep copy of the notebook with fresh cell objects.
// The raw metadata fields are shared; they are never mutated.
func (nb *Notebook) Copy() *Notebook {
	out := &Notebook{
		Metadata:      nb.Metadata,
		NBFormat:      nb.NBFormat,
		NBFormatMinor: nb.NBFormatMinor,
	}
	out.Cells = make([]*Cell, len(nb.Cells))
	for i, cell := range nb.Cells {
		clone := *cell
		out.Cells[i] = &clone
	}
	return out
}

func (cell *Cell) IsCode() bool {
	return cell.Type == CellTypeCode
}

// Lines splits the cell source for line-oriented scanning.
func (cell *Cell) Lines() []string {
	return strings.Split(cell.Source, "\n")
}

func (cell *Cell) UnmarshalJSON(raw []byte) error {
	var wire cellJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}

	source := ""
	if len(wire.Source) > 0 {
		// try the list-of-lines form first, then the plain string form
		var lines []string
		if err := json.Unmarshal(wire.Source, &lines); err == nil {
			source = strings.Join(lines, "")
		} else if err := json.Unmarshal(wire.Source, &source); err != nil {
			return fmt.Errorf("cell source must be a string or a list of strings")
		}
	}

	cell.Type = wire.Type
	cell.Source = source
	cell.Metadata = wire.Metadata
	cell.Outputs = wire.Outputs
	cell.ExecutionCount = wire.ExecutionCount
	cell.Attachments = wire.Attachments
	return nil
}

func (cell *Cell) MarshalJSON() ([]byte, error) {
	wire := cellJSON{
		Type:           cell.Type,
		Metadata:       cell.Metadata,
		Outputs:        cell.Outputs,
		ExecutionCount: cell.ExecutionCount,
		Attachments:    cell.Attachments,
	}
	if wire.Metadata == nil {
		wire.Metadata = json.RawMessage(`{}`)
	}
	if cell.Type == CellTypeCode {
		// nbformat requires these keys on code cells
		if wire.Outputs == nil {
			wire.Outputs = json.RawMessage(`[]`)
		}
		if wire.ExecutionCount == nil {
			wire.ExecutionCount = json.RawMessage(`null`)
		}
	}

	// write the source as a list of lines, each keeping its newline,
	// to match the form most notebook tools produce
	lines := strings.SplitAfter(cell.Source, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return nil, err
	}
	wire.Source = raw

	return json.Marshal(&wire)
}
