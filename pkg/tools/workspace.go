package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Dimitri-WEI-Lingfeng/mgx-demo/pkg/agentctx"
)

const maxSearchMatches = 50

// skipDirs are never descended into by search and tree tools.
var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
}

// workspacePath resolves a model-supplied relative path against the run's
// workspace root and rejects anything that escapes it.
func workspacePath(ctx context.Context, relative string) (string, error) {
	scope, err := agentctx.FromContext(ctx)
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(scope.WorkspaceRoot)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	joined := filepath.Clean(filepath.Join(root, relative))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", relative)
	}
	return joined, nil
}

// RegisterWorkspaceTools adds the workspace file tools to the registry.
func RegisterWorkspaceTools(r *Registry) {
	r.Register(&readFileTool{})
	r.Register(&writeFileTool{})
	r.Register(&listFilesTool{})
	r.Register(&deleteFileTool{})
	r.Register(&createDirectoryTool{})
	r.Register(&searchInFilesTool{})
	r.Register(&findFilesByNameTool{})
	r.Register(&fileTreeTool{})
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=File path relative to the workspace root,required"`
}

type readFileTool struct{}

func (t *readFileTool) Name() string { return "read_file" }
func (t *readFileTool) Description() string {
	return "Read a file from the workspace. Path is relative to the workspace root, e.g. \"README.md\" or \"src/main.py\"."
}
func (t *readFileTool) Parameters() map[string]any { return reflectSchema(&readFileArgs{}) }

func (t *readFileTool) Execute(ctx context.Context, args map[string]any) string {
	rel := stringArg(args, "path")
	path, err := workspacePath(ctx, rel)
	if err != nil {
		return "Error: " + err.Error()
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Sprintf("Error: file %s does not exist", rel)
	}
	if err != nil {
		return fmt.Sprintf("Error: failed to read file - %v", err)
	}
	if info.IsDir() {
		return fmt.Sprintf("Error: %s is not a file", rel)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("Error: failed to read file - %v", err)
	}
	return string(content)
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=File path relative to the workspace root,required"`
	Content string `json:"content" jsonschema:"description=Content to write,required"`
}

type writeFileTool struct{}

func (t *writeFileTool) Name() string { return "write_file" }
func (t *writeFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories as needed. Overwrites existing content."
}
func (t *writeFileTool) Parameters() map[string]any { return reflectSchema(&writeFileArgs{}) }

func (t *writeFileTool) Execute(ctx context.Context, args map[string]any) string {
	rel := stringArg(args, "path")
	content := stringArg(args, "content")

	path, err := workspacePath(ctx, rel)
	if err != nil {
		return "Error: " + err.Error()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("Error: failed to write file - %v", err)
	}

	// Atomic write: temp file in the same directory then rename, so a
	// dev server watching the workspace never sees a half-written file.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Sprintf("Error: failed to write file - %v", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Sprintf("Error: failed to write file - %v", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Sprintf("Error: failed to write file - %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Sprintf("Error: failed to write file - %v", err)
	}
	return fmt.Sprintf("Success: wrote %d bytes to %s", len(content), rel)
}

type listFilesArgs struct {
	Directory string `json:"directory,omitempty" jsonschema:"description=Directory relative to the workspace root; defaults to the root"`
}

type listFilesTool struct{}

func (t *listFilesTool) Name() string { return "list_files" }
func (t *listFilesTool) Description() string {
	return "List files and subdirectories of a workspace directory, one entry per line."
}
func (t *listFilesTool) Parameters() map[string]any { return reflectSchema(&listFilesArgs{}) }

func (t *listFilesTool) Execute(ctx context.Context, args map[string]any) string {
	rel := stringArg(args, "directory")
	if rel == "" {
		rel = "."
	}
	path, err := workspacePath(ctx, rel)
	if err != nil {
		return "Error: " + err.Error()
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Sprintf("Error: directory %s does not exist", rel)
	}
	if err != nil {
		return fmt.Sprintf("Error: failed to list files - %v", err)
	}
	if !info.IsDir() {
		return fmt.Sprintf("Error: %s is not a directory", rel)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Sprintf("Error: failed to list files - %v", err)
	}
	var lines []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if entry.IsDir() {
			lines = append(lines, fmt.Sprintf("[dir]  %s/", entry.Name()))
		} else {
			size := int64(0)
			if fi, err := entry.Info(); err == nil {
				size = fi.Size()
			}
			lines = append(lines, fmt.Sprintf("[file] %s (%d bytes)", entry.Name(), size))
		}
	}
	if len(lines) == 0 {
		return fmt.Sprintf("Directory %s is empty", rel)
	}
	return strings.Join(lines, "\n")
}

type deleteFileArgs struct {
	Path string `json:"path" jsonschema:"description=File path relative to the workspace root,required"`
}

type deleteFileTool struct{}

func (t *deleteFileTool) Name() string        { return "delete_file" }
func (t *deleteFileTool) Description() string { return "Delete a file from the workspace." }
func (t *deleteFileTool) Parameters() map[string]any {
	return reflectSchema(&deleteFileArgs{})
}

func (t *deleteFileTool) Execute(ctx context.Context, args map[string]any) string {
	rel := stringArg(args, "path")
	path, err := workspacePath(ctx, rel)
	if err != nil {
		return "Error: " + err.Error()
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Sprintf("Error: file %s does not exist", rel)
	}
	if err != nil {
		return fmt.Sprintf("Error: failed to delete file - %v", err)
	}
	if info.IsDir() {
		return fmt.Sprintf("Error: %s is not a file", rel)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Sprintf("Error: failed to delete file - %v", err)
	}
	return fmt.Sprintf("Success: deleted %s", rel)
}

type createDirectoryArgs struct {
	Path string `json:"path" jsonschema:"description=Directory path relative to the workspace root,required"`
}

type createDirectoryTool struct{}

func (t *createDirectoryTool) Name() string { return "create_directory" }
func (t *createDirectoryTool) Description() string {
	return "Create a directory (including parents) in the workspace."
}
func (t *createDirectoryTool) Parameters() map[string]any {
	return reflectSchema(&createDirectoryArgs{})
}

func (t *createDirectoryTool) Execute(ctx context.Context, args map[string]any) string {
	rel := stringArg(args, "path")
	path, err := workspacePath(ctx, rel)
	if err != nil {
		return "Error: " + err.Error()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Sprintf("Directory %s already exists", rel)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Sprintf("Error: failed to create directory - %v", err)
	}
	return fmt.Sprintf("Success: created directory %s", rel)
}

type searchInFilesArgs struct {
	Pattern       string `json:"pattern" jsonschema:"description=Regular expression to search for,required"`
	Directory     string `json:"directory,omitempty" jsonschema:"description=Directory to search; defaults to the workspace root"`
	FileExtension string `json:"file_extension,omitempty" jsonschema:"description=Optional file extension filter such as .py or .tsx"`
}

type searchInFilesTool struct{}

func (t *searchInFilesTool) Name() string { return "search_in_files" }
func (t *searchInFilesTool) Description() string {
	return "Search workspace files for a text pattern (regular expression). Each match line shows file, line number and content."
}
func (t *searchInFilesTool) Parameters() map[string]any {
	return reflectSchema(&searchInFilesArgs{})
}

func (t *searchInFilesTool) Execute(ctx context.Context, args map[string]any) string {
	pattern := stringArg(args, "pattern")
	rel := stringArg(args, "directory")
	if rel == "" {
		rel = "."
	}
	ext := stringArg(args, "file_extension")

	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Sprintf("Error: invalid regular expression - %v", err)
	}
	dir, err := workspacePath(ctx, rel)
	if err != nil {
		return "Error: " + err.Error()
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Sprintf("Error: directory %s does not exist", rel)
	}

	var matches []string
	truncated := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if ext != "" && filepath.Ext(d.Name()) != ext {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil || !isText(content) {
			return nil
		}
		relPath, _ := filepath.Rel(dir, path)
		for i, line := range strings.Split(string(content), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", relPath, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxSearchMatches {
					truncated = true
					return fs.SkipAll
				}
			}
		}
		return nil
	})

	if len(matches) == 0 {
		return fmt.Sprintf("No matches found for %q", pattern)
	}
	if truncated {
		matches = append(matches, "... (too many results, truncated)")
	}
	return strings.Join(matches, "\n")
}

type findFilesByNameArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Filename glob such as *.tsx or test_*.py,required"`
}

type findFilesByNameTool struct{}

func (t *findFilesByNameTool) Name() string { return "find_files_by_name" }
func (t *findFilesByNameTool) Description() string {
	return "Find workspace files by filename glob pattern."
}
func (t *findFilesByNameTool) Parameters() map[string]any {
	return reflectSchema(&findFilesByNameArgs{})
}

func (t *findFilesByNameTool) Execute(ctx context.Context, args map[string]any) string {
	pattern := stringArg(args, "pattern")
	root, err := workspacePath(ctx, ".")
	if err != nil {
		return "Error: " + err.Error()
	}

	var matches []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			rel, _ := filepath.Rel(root, path)
			matches = append(matches, rel)
		}
		return nil
	})

	if len(matches) == 0 {
		return fmt.Sprintf("No files matching %q found", pattern)
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n")
}

type fileTreeArgs struct {
	Directory string `json:"directory,omitempty" jsonschema:"description=Directory to analyze; defaults to the workspace root"`
}

type fileTreeTool struct{}

func (t *fileTreeTool) Name() string { return "analyze_file_structure" }
func (t *fileTreeTool) Description() string {
	return "Show a hierarchical tree view of a workspace directory (up to 3 levels deep)."
}
func (t *fileTreeTool) Parameters() map[string]any { return reflectSchema(&fileTreeArgs{}) }

func (t *fileTreeTool) Execute(ctx context.Context, args map[string]any) string {
	rel := stringArg(args, "directory")
	if rel == "" {
		rel = "."
	}
	dir, err := workspacePath(ctx, rel)
	if err != nil {
		return "Error: " + err.Error()
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("Error: directory %s does not exist", rel)
	}

	lines := []string{filepath.Base(dir) + "/"}
	lines = append(lines, buildTree(dir, "", 3, 0)...)
	return strings.Join(lines, "\n")
}

func buildTree(dir, prefix string, maxDepth, depth int) []string {
	if depth >= maxDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var visible []fs.DirEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || skipDirs[e.Name()] {
			continue
		}
		visible = append(visible, e)
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].IsDir() != visible[j].IsDir() {
			return visible[i].IsDir()
		}
		return visible[i].Name() < visible[j].Name()
	})

	var lines []string
	for i, e := range visible {
		connector, childPrefix := "├── ", prefix+"│   "
		if i == len(visible)-1 {
			connector, childPrefix = "└── ", prefix+"    "
		}
		if e.IsDir() {
			lines = append(lines, prefix+connector+e.Name()+"/")
			lines = append(lines, buildTree(filepath.Join(dir, e.Name()), childPrefix, maxDepth, depth+1)...)
		} else {
			lines = append(lines, prefix+connector+e.Name())
		}
	}
	return lines
}

// isText rejects binary content by looking for NUL bytes in the head.
func isText(b []byte) bool {
	n := len(b)
	if n > 8000 {
		n = 8000
	}
	for _, c := range b[:n] {
		if c == 0 {
			return false
		}
	}
	return true
}
