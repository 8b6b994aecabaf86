package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadFilesTool reads the contents of one or more files under an
// InvocationContext's WorkDir, per §4.H's "read multiple files" catalogue
// entry. Grounded on the teacher's internal/tools/fs/read.go (locked-workdir
// relative-path reads), generalized from one path to a batch.
type ReadFilesTool struct{}

func NewReadFilesTool() *ReadFilesTool { return &ReadFilesTool{} }

func (t *ReadFilesTool) Definition() Definition {
	return Definition{
		Name:        "read_multiple_files",
		Description: "Read the text contents of one or more files, given paths relative to the working directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"paths": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Relative file paths to read.",
				},
			},
			"required": []string{"paths"},
		},
	}
}

type readFilesArgs struct {
	Paths []string `json:"paths"`
}

type fileReadResult struct {
	Path    string `json:"path"`
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (t *ReadFilesTool) Call(ctx context.Context, ic InvocationContext, raw json.RawMessage) ToolOutput {
	var args readFilesArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolOutput{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}
	}
	if len(args.Paths) == 0 {
		return ToolOutput{Content: "paths must be a non-empty array", IsError: true}
	}

	results := make([]fileReadResult, 0, len(args.Paths))
	anyError := false
	for _, p := range args.Paths {
		select {
		case <-ctx.Done():
			return ToolOutput{Content: "read_multiple_files cancelled", IsError: true}
		default:
		}

		full, err := sanitizeUnderWorkdir(ic.WorkDir, p)
		if err != nil {
			anyError = true
			results = append(results, fileReadResult{Path: p, Error: err.Error()})
			continue
		}
		b, err := os.ReadFile(full)
		if err != nil {
			anyError = true
			results = append(results, fileReadResult{Path: p, Error: err.Error()})
			continue
		}
		results = append(results, fileReadResult{Path: p, OK: true, Content: string(b)})
	}

	body, err := json.Marshal(map[string]any{"files": results})
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("marshal result: %v", err), IsError: true}
	}
	return ToolOutput{Content: string(body), IsError: anyError && allFailed(results), Metadata: map[string]any{"fileCount": len(results)}}
}

func allFailed(results []fileReadResult) bool {
	for _, r := range results {
		if r.OK {
			return false
		}
	}
	return true
}

// sanitizeUnderWorkdir resolves rel against workdir and rejects any path
// that escapes it, preventing a tool call from reading arbitrary disk
// locations outside the session's sandbox.
func sanitizeUnderWorkdir(workdir, rel string) (string, error) {
	if workdir == "" {
		return "", fmt.Errorf("no working directory configured for this invocation")
	}
	cleanRel := filepath.Clean(rel)
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) || filepath.IsAbs(cleanRel) {
		return "", fmt.Errorf("path %q escapes the working directory", rel)
	}
	full := filepath.Join(workdir, cleanRel)
	absWorkdir, err := filepath.Abs(workdir)
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != absWorkdir && !strings.HasPrefix(absFull, absWorkdir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", rel)
	}
	return absFull, nil
}
