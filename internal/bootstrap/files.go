// Package bootstrap manages the workspace context files injected into an
// agent's system prompt: persona, tool notes, user profile, and the
// one-shot BOOTSTRAP.md first-run instructions.
package bootstrap

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Well-known context file names, injected into the system prompt in this
// order.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// Truncation defaults: per-file and total character budgets for context
// files before they are clipped.
const (
	DefaultMaxCharsPerFile = 20000
	DefaultTotalMaxChars   = 24000
)

// ContextFile is one workspace file injected into the system prompt.
type ContextFile struct {
	Path    string
	Content string
}

// TruncateConfig bounds how much context file text reaches the prompt.
type TruncateConfig struct {
	MaxCharsPerFile int
	TotalMaxChars   int
}

// knownOrder positions well-known files first; anything else sorts after
// them by name so prompts stay byte-stable across restarts.
var knownOrder = map[string]int{
	AgentsFile:    0,
	SoulFile:      1,
	ToolsFile:     2,
	IdentityFile:  3,
	UserFile:      4,
	BootstrapFile: 5,
}

// LoadWorkspaceFiles reads all markdown context files from the workspace
// root, in stable order.
func LoadWorkspaceFiles(workspaceDir string) []ContextFile {
	entries, err := os.ReadDir(workspaceDir)
	if err != nil {
		return nil
	}

	var files []ContextFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(workspaceDir, e.Name()))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		files = append(files, ContextFile{Path: e.Name(), Content: string(data)})
	}

	sort.Slice(files, func(i, j int) bool {
		oi, iok := knownOrder[files[i].Path]
		oj, jok := knownOrder[files[j].Path]
		switch {
		case iok && jok:
			return oi < oj
		case iok:
			return true
		case jok:
			return false
		default:
			return files[i].Path < files[j].Path
		}
	})
	return files
}

// BuildContextFiles applies the truncation budgets to raw files. Files
// past the total budget are dropped entirely; an over-budget file is
// clipped with a marker.
func BuildContextFiles(raw []ContextFile, cfg TruncateConfig) []ContextFile {
	if cfg.MaxCharsPerFile <= 0 {
		cfg.MaxCharsPerFile = DefaultMaxCharsPerFile
	}
	if cfg.TotalMaxChars <= 0 {
		cfg.TotalMaxChars = DefaultTotalMaxChars
	}

	var out []ContextFile
	total := 0
	for _, f := range raw {
		content := f.Content
		if len(content) > cfg.MaxCharsPerFile {
			content = content[:cfg.MaxCharsPerFile] + "\n[... truncated]"
		}
		if total+len(content) > cfg.TotalMaxChars {
			remaining := cfg.TotalMaxChars - total
			if remaining < 200 {
				break
			}
			content = content[:remaining] + "\n[... truncated]"
		}
		out = append(out, ContextFile{Path: f.Path, Content: content})
		total += len(content)
	}
	return out
}
