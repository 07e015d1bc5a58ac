// Package timeutc flags time.Now() calls that are not immediately chained
// with .UTC().
//
// The scheduler stores wall-clock values that get compared across machines:
// schedule index scores, occurrence timestamps, heartbeats, zombie timeout
// arithmetic. A single local-zone time.Now() sneaking into that math shifts
// firings by the host's UTC offset, so every call site goes through
// time.Now().UTC(). Suppress a deliberate local-time read with //nolint or
// //nolint:timeutc on the same or preceding line.
package timeutc

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Analyzer reports time.Now() calls without an immediate .UTC().
var Analyzer = &analysis.Analyzer{
	Name: "timeutc",
	Doc:  "flags time.Now() without .UTC(); scheduler timestamps are compared across nodes",
	Run:  run,
}

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		// Collect the time.Now() calls that are receivers of a .UTC()
		// selector; they are the compliant ones.
		chained := make(map[*ast.CallExpr]bool)
		ast.Inspect(file, func(n ast.Node) bool {
			sel, ok := n.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "UTC" {
				return true
			}
			if call, ok := sel.X.(*ast.CallExpr); ok && isTimeNow(call) {
				chained[call] = true
			}
			return true
		})

		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || !isTimeNow(call) || chained[call] {
				return true
			}
			if suppressed(pass, file, call) {
				return true
			}
			pass.Reportf(call.Pos(), "time.Now() must be chained with .UTC(); scheduler timestamps are compared across nodes")
			return true
		})
	}
	return nil, nil
}

func isTimeNow(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Now" {
		return false
	}
	ident, ok := sel.X.(*ast.Ident)
	return ok && ident.Name == "time"
}

// suppressed honors //nolint and //nolint:timeutc on the call's line or the
// line above it.
func suppressed(pass *analysis.Pass, file *ast.File, call *ast.CallExpr) bool {
	line := pass.Fset.Position(call.Pos()).Line
	for _, cg := range file.Comments {
		for _, comment := range cg.List {
			commentLine := pass.Fset.Position(comment.Pos()).Line
			if commentLine != line && commentLine != line-1 {
				continue
			}
			if !strings.Contains(comment.Text, "nolint") {
				continue
			}
			if !strings.Contains(comment.Text, ":") || strings.Contains(comment.Text, "timeutc") {
				return true
			}
		}
	}
	return false
}
