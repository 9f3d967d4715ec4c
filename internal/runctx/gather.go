package runctx

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

const maxFileSize = 32 * 1024

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"__pycache__":  true,
	".forge":       true,
}

var wellKnownFiles = []string{
	"README.md",
	"readme.md",
	"README",
	"Makefile",
	"makefile",
	"package.json",
	"go.mod",
	"pyproject.toml",
	"setup.py",
	"requirements.txt",
	"Cargo.toml",
	"CLAUDE.md",
	".cursorrules",
}

var wellKnownGlobs = []string{
	".github/workflows/*.yml",
	".github/workflows/*.yaml",
}

// ProjectContext holds lightweight project context gathered once at run
// start, seeding the "project.*" template namespace available to every
// stage's input and condition expressions.
type ProjectContext struct {
	DirTree string
	Files   map[string]string
	GitLog  string
}

// GatherProject collects directory structure, well-known file contents,
// and recent git history from root.
func GatherProject(root string) *ProjectContext {
	pc := &ProjectContext{Files: make(map[string]string)}
	pc.DirTree = buildTree(root)
	gatherFiles(root, pc)
	pc.GitLog = gatherGitLog(root)
	return pc
}

// Render formats the context as a prompt section for stage input payloads
// that want to embed it directly (e.g. prd/plan/build stage requests).
func (pc *ProjectContext) Render() string {
	var b strings.Builder

	b.WriteString("## Project Directory Structure\n\n```\n")
	b.WriteString(pc.DirTree)
	b.WriteString("```\n")

	if len(pc.Files) > 0 {
		b.WriteString("\n## Key Files\n")
		paths := make([]string, 0, len(pc.Files))
		for p := range pc.Files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(&b, "\n### %s\n\n```\n%s\n```\n", p, pc.Files[p])
		}
	}

	if pc.GitLog != "" {
		b.WriteString("\n## Recent Git History\n\n```\n")
		b.WriteString(pc.GitLog)
		b.WriteString("```\n")
	}
	return b.String()
}

func buildTree(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "(unable to read directory)\n"
	}
	var b strings.Builder
	for _, e := range entries {
		if skipDirs[e.Name()] {
			continue
		}
		if e.IsDir() {
			b.WriteString(e.Name() + "/\n")
			sub := filepath.Join(root, e.Name())
			subEntries, err := os.ReadDir(sub)
			if err != nil {
				continue
			}
			for _, se := range subEntries {
				if se.IsDir() {
					b.WriteString("  " + se.Name() + "/\n")
				} else {
					b.WriteString("  " + se.Name() + "\n")
				}
			}
		} else {
			b.WriteString(e.Name() + "\n")
		}
	}
	return b.String()
}

func gatherFiles(root string, pc *ProjectContext) {
	for _, name := range wellKnownFiles {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		pc.Files[name] = truncate(string(data))
	}
	for _, pattern := range wellKnownGlobs {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			continue
		}
		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				continue
			}
			rel, err := filepath.Rel(root, match)
			if err != nil {
				continue
			}
			pc.Files[rel] = truncate(string(data))
		}
	}
}

func truncate(content string) string {
	if len(content) > maxFileSize {
		return content[:maxFileSize] + "\n... (truncated)"
	}
	return content
}

func gatherGitLog(root string) string {
	cmd := exec.Command("git", "log", "--oneline", "-10")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
