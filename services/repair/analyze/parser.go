// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyze

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
)

// DefaultMaxFileSize is the largest source file the parser accepts (10MB).
const DefaultMaxFileSize = 10 * 1024 * 1024

var (
	// ErrFileTooLarge is returned when content exceeds DefaultMaxFileSize.
	ErrFileTooLarge = errors.New("file exceeds maximum size limit")

	// ErrInvalidContent is returned for content that is not valid UTF-8.
	ErrInvalidContent = errors.New("content is not valid UTF-8")

	// ErrUnsupportedLanguage is returned for files the analyzer cannot
	// parse. Callers skip such files rather than failing the phase.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// FuncDecl is one function or method declaration with the names it calls.
type FuncDecl struct {
	// Name is the declared symbol name (method receiver stripped).
	Name string

	// Calls holds the sorted, de-duplicated callee names appearing in the
	// body. Qualified calls keep only the final component; resolution to
	// units happens later against the project-wide symbol index.
	Calls []string

	// StartLine and EndLine are 1-based source line bounds.
	StartLine int
	EndLine   int

	// Exported marks symbols visible outside the file's package/module.
	Exported bool
}

// FileSummary is the parse result for a single source file.
type FileSummary struct {
	// Path is the project-relative file path with forward slashes.
	Path string

	// Language is "go" or "python".
	Language string

	// Functions holds declarations in source order.
	Functions []FuncDecl
}

// DetectLanguage maps a file path to a supported language name, or "".
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	default:
		return ""
	}
}

// ParseFile extracts function declarations and call names from a source
// file.
//
// # Description
//
// Uses tree-sitter, so the parse is error-tolerant: syntactically broken
// files still yield partial results, which matters because the file under
// repair is usually the broken one.
//
// # Inputs
//
//   - ctx: Checked before parsing; tree-sitter itself cannot be
//     interrupted mid-parse.
//   - content: Raw source bytes, valid UTF-8.
//   - relPath: Project-relative path, forward slashes. Determines the
//     grammar.
//
// # Outputs
//
//   - *FileSummary: Declarations found. Never nil on success.
//   - error: ErrUnsupportedLanguage, ErrFileTooLarge, ErrInvalidContent,
//     or a context error.
func ParseFile(ctx context.Context, content []byte, relPath string) (*FileSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}

	language := DetectLanguage(relPath)
	if language == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, relPath)
	}
	if int64(len(content)) > DefaultMaxFileSize {
		return nil, fmt.Errorf("%w: %s (%d bytes)", ErrFileTooLarge, relPath, len(content))
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContent, relPath)
	}

	var grammar *sitter.Language
	switch language {
	case "go":
		grammar = golang.GetLanguage()
	case "python":
		grammar = python.GetLanguage()
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", relPath, err)
	}
	defer tree.Close()

	summary := &FileSummary{
		Path:     relPath,
		Language: language,
	}
	collectFunctions(tree.RootNode(), content, language, summary)
	return summary, nil
}

// collectFunctions walks the syntax tree gathering declarations.
func collectFunctions(node *sitter.Node, content []byte, language string, summary *FileSummary) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)

		var name string
		switch {
		case language == "go" && (child.Type() == "function_declaration" || child.Type() == "method_declaration"):
			if n := child.ChildByFieldName("name"); n != nil {
				name = n.Content(content)
			}
		case language == "python" && child.Type() == "function_definition":
			if n := child.ChildByFieldName("name"); n != nil {
				name = n.Content(content)
			}
		}

		if name != "" {
			decl := FuncDecl{
				Name:      name,
				StartLine: int(child.StartPoint().Row) + 1,
				EndLine:   int(child.EndPoint().Row) + 1,
				Exported:  isExported(name, language),
			}
			calls := make(map[string]bool)
			collectCalls(child, content, language, calls)
			for call := range calls {
				if call != name { // direct recursion adds no reachability
					decl.Calls = append(decl.Calls, call)
				}
			}
			sort.Strings(decl.Calls)
			summary.Functions = append(summary.Functions, decl)
		}

		// Recurse: Python nests functions inside classes and other
		// functions; Go literals can hold declarations in type bodies.
		collectFunctions(child, content, language, summary)
	}
}

// collectCalls gathers callee names within a declaration body.
func collectCalls(node *sitter.Node, content []byte, language string, out map[string]bool) {
	var callNodeType string
	switch language {
	case "go":
		callNodeType = "call_expression"
	case "python":
		callNodeType = "call"
	}

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if child.Type() == callNodeType {
				if name := calleeName(child, content); name != "" {
					out[name] = true
				}
			}
			walk(child)
		}
	}
	walk(node)
}

// calleeName extracts the final identifier of a call target, so both
// "add(x)" and "util.add(x)" resolve to "add".
func calleeName(callNode *sitter.Node, content []byte) string {
	fn := callNode.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return fn.Content(content)
	case "selector_expression": // Go: pkg.Fn, recv.Method
		if field := fn.ChildByFieldName("field"); field != nil {
			return field.Content(content)
		}
	case "attribute": // Python: obj.method, module.fn
		if attr := fn.ChildByFieldName("attribute"); attr != nil {
			return attr.Content(content)
		}
	}
	return ""
}

// isExported reports whether a symbol is visible outside its file.
func isExported(name, language string) bool {
	if name == "" {
		return false
	}
	switch language {
	case "go":
		r := rune(name[0])
		return r >= 'A' && r <= 'Z'
	case "python":
		return !strings.HasPrefix(name, "_")
	}
	return false
}
