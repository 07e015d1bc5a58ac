// Package nointerface flags empty interface{} literals and suggests the
// 'any' alias.
//
// The codebase passes untyped payloads around constantly: Redis hash field
// maps, JSONB columns, structured log attributes. Those all spell the empty
// interface as 'any'; this analyzer keeps the verbose pre-1.18 form from
// creeping back in, and carries a suggested fix so -fix rewrites the file.
// Suppress with //nolint or //nolint:nointerface on the same or preceding
// line.
package nointerface

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Analyzer reports interface{} literals, with an automatic fix to 'any'.
var Analyzer = &analysis.Analyzer{
	Name: "nointerface",
	Doc:  "flags interface{} literals; this codebase spells the empty interface 'any'",
	Run:  run,
}

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		ast.Inspect(file, func(n ast.Node) bool {
			iface, ok := n.(*ast.InterfaceType)
			if !ok || !isEmpty(iface) {
				return true
			}
			if suppressed(pass, file, iface) {
				return true
			}

			pass.Report(analysis.Diagnostic{
				Pos:     iface.Pos(),
				End:     iface.End(),
				Message: "use 'any' instead of 'interface{}'",
				SuggestedFixes: []analysis.SuggestedFix{{
					Message: "Replace 'interface{}' with 'any'",
					TextEdits: []analysis.TextEdit{{
						Pos:     iface.Pos(),
						End:     iface.End(),
						NewText: []byte("any"),
					}},
				}},
			})
			return true
		})
	}
	return nil, nil
}

// isEmpty reports whether the interface declares no methods or embedded
// types; only those are interchangeable with 'any'.
func isEmpty(iface *ast.InterfaceType) bool {
	return iface.Methods == nil || len(iface.Methods.List) == 0
}

// suppressed honors //nolint and //nolint:nointerface on the node's line or
// the line above it.
func suppressed(pass *analysis.Pass, file *ast.File, node ast.Node) bool {
	line := pass.Fset.Position(node.Pos()).Line
	for _, cg := range file.Comments {
		for _, comment := range cg.List {
			commentLine := pass.Fset.Position(comment.Pos()).Line
			if commentLine != line && commentLine != line-1 {
				continue
			}
			if !strings.Contains(comment.Text, "nolint") {
				continue
			}
			if !strings.Contains(comment.Text, ":") || strings.Contains(comment.Text, "nointerface") {
				return true
			}
		}
	}
	return false
}
