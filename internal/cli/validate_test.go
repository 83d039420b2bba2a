package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSchemaFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestValidateValidSchema(t *testing.T) {
	tmpDir := t.TempDir()
	writeSchemaFile(t, tmpDir, "item.cue", `
package schemas

namespace: "inventory"

document: item: {
	sku:   string @crdt(immutable)
	name:  string @crdt(lww)
	count: int    @crdt(pn_counter)
	tags: [...string] @crdt(or_set)
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "✓ Schema valid")
	assert.Contains(t, output, "1 document(s)")
	assert.Contains(t, output, "4 field(s)")
}

func TestValidateValidSchemaJSON(t *testing.T) {
	tmpDir := t.TempDir()
	writeSchemaFile(t, tmpDir, "note.cue", `
package schemas

document: note: {
	author: string @crdt(immutable)
	body:   string @crdt(peritext)
	pinned: bool   @crdt(lww)
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Data)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, float64(1), data["documents"])
}

func TestValidateMultipleFilesUnify(t *testing.T) {
	tmpDir := t.TempDir()
	writeSchemaFile(t, tmpDir, "item.cue", `
package schemas

document: item: {
	sku: string @crdt(immutable)
}
`)
	writeSchemaFile(t, tmpDir, "order.cue", `
package schemas

document: order: {
	placed_by: string @crdt(immutable)
	lines: [...string] @crdt(rga)
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "2 document(s)")
	assert.Contains(t, output, "2 file(s)")
}

func TestValidateNonExistentDirectory(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"/nonexistent/directory/path"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E005") // ErrCodeNotFound
	assert.Contains(t, buf.String(), "not found")
}

func TestValidateEmptyDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E003")
	assert.Contains(t, buf.String(), "no CUE files found")
}

func TestValidateUnknownStrategy(t *testing.T) {
	tmpDir := t.TempDir()
	writeSchemaFile(t, tmpDir, "bad.cue", `
package schemas

document: item: {
	name: string @crdt(last_writer)
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown merge strategy")
	assert.Contains(t, buf.String(), "E101")
	// Compile errors carry the source position.
	assert.Contains(t, err.Error(), "bad.cue")
}

func TestValidateFloatRejection(t *testing.T) {
	tmpDir := t.TempDir()
	writeSchemaFile(t, tmpDir, "float.cue", `
package schemas

document: listing: {
	price: float @crdt(lww)
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, buf.String(), "float")
	assert.Contains(t, buf.String(), "forbidden")
}

func TestValidateStrategyTypeMismatch(t *testing.T) {
	tmpDir := t.TempDir()
	writeSchemaFile(t, tmpDir, "bad.cue", `
package schemas

document: item: {
	name: string @crdt(pn_counter)
}
`)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.Error(t, err)

	var resp CLIResponse
	jsonErr := json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, jsonErr)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E101", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "cannot merge")
}

func TestValidateVerboseOutput(t *testing.T) {
	tmpDir := t.TempDir()
	writeSchemaFile(t, tmpDir, "demo.cue", `
package schemas

document: demo: {
	owner: string @crdt(immutable)
}
`)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text", Verbose: true}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(stdoutBuf)
	cmd.SetErr(stderrBuf) // Verbose output goes to stderr
	cmd.SetArgs([]string{tmpDir})

	err := cmd.Execute()
	require.NoError(t, err)

	// Verbose logs go to stderr to avoid corrupting JSON output
	verboseOutput := stderrBuf.String()
	assert.Contains(t, verboseOutput, "Found")
	assert.Contains(t, verboseOutput, "CUE file(s)")
}

func TestLoadSchemaDir(t *testing.T) {
	tmpDir := t.TempDir()
	writeSchemaFile(t, tmpDir, "item.cue", `
package schemas

namespace: "inventory"

document: item: {
	sku:   string @crdt(immutable)
	count: int    @crdt(pn_counter)
}
`)

	res, err := LoadSchemaDir(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FileCount)
	require.Len(t, res.Schema.Documents, 1)
	assert.Equal(t, "inventory/item", res.Schema.Documents[0].Namespace)
}

func TestLoadSchemaDirNotFound(t *testing.T) {
	_, err := LoadSchemaDir("/nonexistent/directory")
	require.Error(t, err)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, ErrCodeNotFound, loadErr.Code)
}

func TestFindCUEFiles(t *testing.T) {
	tmpDir := t.TempDir()
	writeSchemaFile(t, tmpDir, "a.cue", "package schemas\n")
	writeSchemaFile(t, tmpDir, "b.cue", "package schemas\n")
	writeSchemaFile(t, tmpDir, "notes.txt", "not cue\n")

	files, err := FindCUEFiles(tmpDir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
