// Package template renders named prompt templates with structured arguments.
// Templates are declared statically at config load; dynamic template paths
// are rejected so request data can never select a file on disk.
package template

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	texttemplate "text/template"
	"text/template/parse"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

// Engine holds the compiled template set.
type Engine struct {
	mu        sync.RWMutex
	templates map[string]*texttemplate.Template
	needsVars map[string]bool
}

func NewEngine() *Engine {
	return &Engine{
		templates: make(map[string]*texttemplate.Template),
		needsVars: make(map[string]bool),
	}
}

// Register compiles a template under name. Rendering fails on missing
// variables rather than inserting "<no value>".
func (e *Engine) Register(name, text string) error {
	tmpl, err := texttemplate.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return gwerr.Wrap(gwerr.KindTemplateRender, "failed to parse template "+name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[name] = tmpl
	e.needsVars[name] = treeNeedsVariables(tmpl.Tree)
	return nil
}

// RegisterFile loads a template from disk, confined to baseDir. Absolute
// paths and parent traversal are rejected.
func (e *Engine) RegisterFile(name, path, baseDir string) error {
	if filepath.IsAbs(path) || strings.Contains(path, "..") {
		return gwerr.Newf(gwerr.KindConfig, "template path %q must be relative to the config directory", path)
	}
	full := filepath.Join(baseDir, path)
	data, err := os.ReadFile(full)
	if err != nil {
		return gwerr.Wrap(gwerr.KindConfig, "failed to read template "+path, err)
	}
	return e.Register(name, string(data))
}

// Has reports whether a template is registered.
func (e *Engine) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[name]
	return ok
}

// Render executes the named template against arguments.
func (e *Engine) Render(name string, arguments any) (string, error) {
	e.mu.RLock()
	tmpl, ok := e.templates[name]
	e.mu.RUnlock()
	if !ok {
		return "", gwerr.Newf(gwerr.KindTemplateNotFound, "template %q is not registered", name)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, arguments); err != nil {
		return "", gwerr.Wrap(gwerr.KindTemplateRender, "failed to render template "+name, err)
	}
	return sb.String(), nil
}

// NeedsVariables reports whether the template references any argument
// fields, which decides whether a message schema is mandatory.
func (e *Engine) NeedsVariables(name string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	needs, ok := e.needsVars[name]
	if !ok {
		return false, gwerr.Newf(gwerr.KindTemplateNotFound, "template %q is not registered", name)
	}
	return needs, nil
}

func treeNeedsVariables(tree *parse.Tree) bool {
	if tree == nil || tree.Root == nil {
		return false
	}
	return nodeNeedsVariables(tree.Root)
}

func nodeNeedsVariables(node parse.Node) bool {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return false
		}
		for _, child := range n.Nodes {
			if nodeNeedsVariables(child) {
				return true
			}
		}
	case *parse.ActionNode:
		return pipeNeedsVariables(n.Pipe)
	case *parse.IfNode:
		return pipeNeedsVariables(n.Pipe) || nodeNeedsVariables(n.List) || nodeNeedsVariables(n.ElseList)
	case *parse.RangeNode:
		return pipeNeedsVariables(n.Pipe) || nodeNeedsVariables(n.List) || nodeNeedsVariables(n.ElseList)
	case *parse.WithNode:
		return pipeNeedsVariables(n.Pipe) || nodeNeedsVariables(n.List) || nodeNeedsVariables(n.ElseList)
	}
	return false
}

func pipeNeedsVariables(pipe *parse.PipeNode) bool {
	if pipe == nil {
		return false
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			switch arg.(type) {
			case *parse.FieldNode, *parse.VariableNode, *parse.DotNode:
				return true
			}
		}
	}
	return false
}
