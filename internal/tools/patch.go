package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// PatchTool applies a unified-diff patch to one or more files under an
// InvocationContext's WorkDir, per §4.H's "apply unified-diff patch"
// catalogue entry. Grounded on the teacher's patchtool package's
// locked-workdir create/modify/delete shape (patchtool/tool.go,
// patchtool/apply.go), narrowed from the teacher's custom hunk format to
// standard unified-diff (`--- a/f`, `+++ b/f`, `@@ -l,s +l,s @@`) hunks,
// since spec.md §4.H names "unified-diff patch" specifically.
type PatchTool struct{}

func NewPatchTool() *PatchTool { return &PatchTool{} }

func (t *PatchTool) Definition() Definition {
	return Definition{
		Name:        "apply_patch",
		Description: "Apply a unified-diff patch to files under the working directory. Supports modifying and creating files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"patch": map[string]any{
					"type":        "string",
					"description": "A unified diff (diff -u style) to apply.",
				},
			},
			"required": []string{"patch"},
		},
	}
}

type patchArgs struct {
	Patch string `json:"patch"`
}

func (t *PatchTool) Call(ctx context.Context, ic InvocationContext, raw json.RawMessage) ToolOutput {
	var args patchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolOutput{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}
	}
	if strings.TrimSpace(args.Patch) == "" {
		return ToolOutput{Content: "patch must not be empty", IsError: true}
	}
	if ic.WorkDir == "" {
		return ToolOutput{Content: "no working directory configured for this invocation", IsError: true}
	}

	files, err := parseUnifiedDiff(args.Patch)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("parse patch: %v", err), IsError: true}
	}

	var touched []string
	for _, f := range files {
		select {
		case <-ctx.Done():
			return ToolOutput{Content: "apply_patch cancelled", IsError: true}
		default:
		}
		full, err := sanitizeUnderWorkdir(ic.WorkDir, f.path)
		if err != nil {
			return ToolOutput{Content: err.Error(), IsError: true}
		}
		if err := applyFileDiff(full, f); err != nil {
			return ToolOutput{Content: fmt.Sprintf("apply patch to %s: %v", f.path, err), IsError: true}
		}
		touched = append(touched, f.path)
	}

	body, _ := json.Marshal(map[string]any{"ok": true, "files": touched})
	return ToolOutput{Content: string(body), Metadata: map[string]any{"fileCount": len(touched)}}
}

type diffHunk struct {
	oldStart int
	lines    []diffLine // context/add/remove, in hunk order
}

type diffLine struct {
	kind byte // ' ', '+', '-'
	text string
}

type fileDiff struct {
	path     string
	isNew    bool
	isDelete bool
	hunks    []diffHunk
}

// parseUnifiedDiff extracts per-file hunks from a standard `diff -u`
// payload. It tolerates the common "a/" "b/" path prefixes and the
// "--- /dev/null" / "+++ /dev/null" sentinels for create/delete.
func parseUnifiedDiff(patch string) ([]fileDiff, error) {
	lines := strings.Split(patch, "\n")
	var files []fileDiff
	var cur *fileDiff
	var curHunk *diffHunk

	flushHunk := func() {
		if cur != nil && curHunk != nil {
			cur.hunks = append(cur.hunks, *curHunk)
			curHunk = nil
		}
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			files = append(files, *cur)
			cur = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "--- "):
			flushFile()
			oldPath := stripDiffPrefix(strings.TrimPrefix(line, "--- "))
			var newPath string
			if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
				newPath = stripDiffPrefix(strings.TrimPrefix(lines[i+1], "+++ "))
				i++
			}
			path := newPath
			if path == "" || path == "/dev/null" {
				path = oldPath
			}
			cur = &fileDiff{path: path, isNew: oldPath == "/dev/null", isDelete: newPath == "/dev/null"}
		case strings.HasPrefix(line, "@@"):
			flushHunk()
			start, err := parseHunkOldStart(line)
			if err != nil {
				return nil, err
			}
			curHunk = &diffHunk{oldStart: start}
		case cur != nil && curHunk != nil && len(line) > 0 && (line[0] == ' ' || line[0] == '+' || line[0] == '-'):
			curHunk.lines = append(curHunk.lines, diffLine{kind: line[0], text: line[1:]})
		case cur != nil && curHunk != nil && line == "":
			curHunk.lines = append(curHunk.lines, diffLine{kind: ' ', text: ""})
		}
	}
	flushFile()

	if len(files) == 0 {
		return nil, fmt.Errorf("no file headers found in patch")
	}
	return files, nil
}

func stripDiffPrefix(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\t'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimPrefix(s, "a/")
	s = strings.TrimPrefix(s, "b/")
	return s
}

func parseHunkOldStart(header string) (int, error) {
	// "@@ -l,s +l,s @@" — we only need the old-file start line.
	parts := strings.Fields(header)
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed hunk header %q", header)
	}
	oldSpec := strings.TrimPrefix(parts[1], "-")
	var start, span int
	if n, _ := fmt.Sscanf(oldSpec, "%d,%d", &start, &span); n < 1 {
		if n2, _ := fmt.Sscanf(oldSpec, "%d", &start); n2 != 1 {
			return 0, fmt.Errorf("malformed hunk range %q", oldSpec)
		}
	}
	return start, nil
}

// applyFileDiff applies f's hunks against the file on disk (or an empty
// buffer for a new file), writing the result back.
func applyFileDiff(fullPath string, f fileDiff) error {
	if f.isDelete {
		return os.Remove(fullPath)
	}

	var original []string
	if !f.isNew {
		b, err := os.ReadFile(fullPath)
		if err != nil {
			return err
		}
		original = splitLinesKeepEmpty(string(b))
	}

	var out []string
	cursor := 0 // index into original, 0-based
	for _, h := range f.hunks {
		start := h.oldStart - 1
		if start < 0 {
			start = 0
		}
		if start > len(original) {
			return fmt.Errorf("hunk starts at line %d past end of file (%d lines)", h.oldStart, len(original))
		}
		out = append(out, original[cursor:start]...)
		cursor = start
		for _, dl := range h.lines {
			switch dl.kind {
			case ' ':
				if cursor < len(original) {
					out = append(out, original[cursor])
				} else {
					out = append(out, dl.text)
				}
				cursor++
			case '-':
				cursor++
			case '+':
				out = append(out, dl.text)
			}
		}
	}
	out = append(out, original[cursor:]...)

	return os.WriteFile(fullPath, []byte(strings.Join(out, "\n")), 0o644)
}

func splitLinesKeepEmpty(s string) []string {
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
