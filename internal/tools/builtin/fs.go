package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/internal/workspace"
)

const (
	maxListEntries    = 500
	maxSearchResults  = 100
	maxSearchFileSize = 1 << 20
)

type readFileArgs struct {
	Path      string `json:"path" jsonschema:"required,description=Path relative to the workspace root"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to return (1-based)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to return (inclusive)"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path relative to the output root"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

type listDirectoryArgs struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory to list, relative to the workspace root (default .)"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=Descend into subdirectories"`
	MaxDepth  int    `json:"max_depth,omitempty" jsonschema:"description=Depth limit for recursive listing"`
}

type searchFilesArgs struct {
	Pattern    string `json:"pattern" jsonschema:"required,description=Regular expression matched against file lines"`
	Path       string `json:"path,omitempty" jsonschema:"description=Directory to search, relative to the workspace root (default .)"`
	FileGlob   string `json:"file_glob,omitempty" jsonschema:"description=Glob filter on file names, e.g. *.go"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Cap on returned matches (default 100)"`
}

// FileTools builds the filesystem tool set over the given policy.
func FileTools(policy *workspace.Policy) []tools.Definition {
	return []tools.Definition{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace, optionally a line range.",
			Parameters:  paramsFor[readFileArgs](),
			Tags:        []string{"filesystem", "analysis"},
			Category:    "filesystem",
			Invoke:      readFile(policy),
		},
		{
			Name:        "write_file",
			Description: "Write a file under the output directory, creating parents as needed.",
			Parameters:  paramsFor[writeFileArgs](),
			Tags:        []string{"filesystem"},
			Category:    "filesystem",
			Invoke:      writeFile(policy),
		},
		{
			Name:        "list_directory",
			Description: "List a workspace directory, optionally recursively.",
			Parameters:  paramsFor[listDirectoryArgs](),
			Tags:        []string{"filesystem", "analysis"},
			Category:    "filesystem",
			Invoke:      listDirectory(policy),
		},
		{
			Name:        "search_files",
			Description: "Search workspace files for a regular expression.",
			Parameters:  paramsFor[searchFilesArgs](),
			Tags:        []string{"filesystem", "analysis"},
			Category:    "filesystem",
			Invoke:      searchFiles(policy),
		},
	}
}

func readFile(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p readFileArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		abs, err := policy.ResolveRead(p.Path)
		if err != nil {
			return tools.Fail(err.Error(), map[string]any{"path": p.Path})
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return tools.Fail("read: "+err.Error(), map[string]any{"path": p.Path})
		}

		content := string(data)
		totalLines := strings.Count(content, "\n") + 1
		if p.StartLine > 0 || p.EndLine > 0 {
			lines := strings.Split(content, "\n")
			start := p.StartLine
			if start < 1 {
				start = 1
			}
			end := p.EndLine
			if end < 1 || end > len(lines) {
				end = len(lines)
			}
			if start > len(lines) || start > end {
				return tools.Fail(fmt.Sprintf("line range %d-%d outside file of %d lines", p.StartLine, p.EndLine, len(lines)), map[string]any{"path": p.Path})
			}
			content = strings.Join(lines[start-1:end], "\n")
		}
		return tools.OK(map[string]any{
			"path":        p.Path,
			"content":     content,
			"total_lines": totalLines,
		})
	}
}

func writeFile(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p writeFileArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		abs, err := policy.ResolveWrite(p.Path)
		if err != nil {
			return tools.Fail(err.Error(), map[string]any{"path": p.Path})
		}
		if err := os.WriteFile(abs, []byte(p.Content), 0o644); err != nil {
			return tools.Fail("write: "+err.Error(), map[string]any{"path": p.Path})
		}
		return tools.OK(map[string]any{
			"path":          p.Path,
			"bytes_written": len(p.Content),
		})
	}
}

func listDirectory(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p listDirectoryArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		if p.Path == "" {
			p.Path = "."
		}
		root, err := policy.ResolveRead(p.Path)
		if err != nil {
			return tools.Fail(err.Error(), map[string]any{"path": p.Path})
		}

		maxDepth := p.MaxDepth
		if !p.Recursive {
			maxDepth = 1
		} else if maxDepth < 1 {
			maxDepth = 10
		}

		var entries []map[string]any
		truncated := false
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if path == root {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			if d.IsDir() && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			depth := strings.Count(rel, string(filepath.Separator)) + 1
			if depth > maxDepth {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if len(entries) >= maxListEntries {
				truncated = true
				return filepath.SkipAll
			}
			entry := map[string]any{"name": rel, "dir": d.IsDir()}
			if info, infoErr := d.Info(); infoErr == nil && !d.IsDir() {
				entry["size"] = info.Size()
			}
			entries = append(entries, entry)
			return nil
		})
		if err != nil {
			return tools.Fail("list: "+err.Error(), map[string]any{"path": p.Path})
		}
		return tools.OK(map[string]any{
			"path":      p.Path,
			"entries":   entries,
			"truncated": truncated,
		})
	}
}

func searchFiles(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p searchFilesArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return tools.Fail("pattern: "+err.Error(), map[string]any{"pattern": p.Pattern})
		}
		if p.Path == "" {
			p.Path = "."
		}
		root, err := policy.ResolveRead(p.Path)
		if err != nil {
			return tools.Fail(err.Error(), map[string]any{"path": p.Path})
		}
		limit := p.MaxResults
		if limit < 1 || limit > maxSearchResults {
			limit = maxSearchResults
		}

		var matches []map[string]any
		truncated := false
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil || ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if skipDir(d.Name()) && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if p.FileGlob != "" {
				if ok, _ := filepath.Match(p.FileGlob, d.Name()); !ok {
					return nil
				}
			}
			info, infoErr := d.Info()
			if infoErr != nil || info.Size() > maxSearchFileSize {
				return nil
			}
			data, readErr := os.ReadFile(path)
			if readErr != nil || !utf8Like(data) {
				return nil
			}
			rel, _ := filepath.Rel(root, path)
			for i, line := range strings.Split(string(data), "\n") {
				if re.MatchString(line) {
					if len(matches) >= limit {
						truncated = true
						return filepath.SkipAll
					}
					matches = append(matches, map[string]any{
						"file": rel,
						"line": i + 1,
						"text": strings.TrimSpace(line),
					})
				}
			}
			return nil
		})
		if err != nil {
			return tools.Fail("search: "+err.Error(), map[string]any{"pattern": p.Pattern})
		}
		return tools.OK(map[string]any{
			"pattern":   p.Pattern,
			"matches":   matches,
			"count":     len(matches),
			"truncated": truncated,
		})
	}
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".venv", "__pycache__":
		return true
	}
	return false
}

// utf8Like filters binary files out of search results by checking for NUL
// bytes in the first KB.
func utf8Like(data []byte) bool {
	probe := data
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	for _, b := range probe {
		if b == 0 {
			return false
		}
	}
	return true
}
