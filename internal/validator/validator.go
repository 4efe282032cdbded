// Package validator performs static analysis of generated artifacts:
// structural parse, forbidden-capability scan, and complexity scoring.
// Validation is pure and deterministic; it never touches the network or
// filesystem and is safe to re-run arbitrarily.
package validator

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"crucible/internal/artifact"
)

// Capability categories reported in SecurityAssessment.ForbiddenCapabilities.
const (
	CapProcessControl = "process_control" // os/exec, syscall, os.Exit
	CapDynamicExec    = "dynamic_execution"
	CapNetwork        = "network_access"
	CapFilesystem     = "filesystem_access"
	CapUnparseable    = "unparseable"
)

// forbiddenImports maps import paths (or path prefixes) to capability
// categories. The denylist is fixed; artifacts have no way to extend it.
var forbiddenImports = map[string]string{
	"os":          CapFilesystem,
	"io/ioutil":   CapFilesystem,
	"os/exec":     CapProcessControl,
	"os/signal":   CapProcessControl,
	"syscall":     CapProcessControl,
	"runtime/cgo": CapProcessControl,
	"unsafe":      CapDynamicExec,
	"plugin":      CapDynamicExec,
	"reflect":     CapDynamicExec,
	"net":         CapNetwork,
	"net/http":    CapNetwork,
	"net/rpc":     CapNetwork,
	"net/smtp":    CapNetwork,
}

// forbiddenCalls maps selector calls to capability categories, catching
// dangerous usage that slips through without a flagged import.
var forbiddenCalls = map[string]string{
	"os.Exit":             CapProcessControl,
	"os.StartProcess":     CapProcessControl,
	"exec.Command":        CapProcessControl,
	"exec.CommandContext": CapProcessControl,
	"syscall.Exec":        CapProcessControl,
	"plugin.Open":         CapDynamicExec,
}

// scoring weights: absence of forbidden capabilities dominates, bounded
// complexity contributes the rest.
const (
	capabilityWeight = 0.7
	complexityWeight = 0.3
)

// Validator is stateless; the zero value is usable.
type Validator struct{}

// New returns a Validator.
func New() *Validator {
	return &Validator{}
}

// Validate produces the static portion of a SecurityAssessment for the
// artifact. Unparseable source is a definite verdict (score 0.0 with the
// synthetic "unparseable" capability), not a retryable error.
func (v *Validator) Validate(art *artifact.GeneratedArtifact) *artifact.SecurityAssessment {
	assessment := &artifact.SecurityAssessment{
		ArtifactID:            art.ID,
		ForbiddenCapabilities: []string{},
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "artifact.go", art.SourceText, parser.ParseComments)
	if err != nil {
		assessment.StaticScore = 0.0
		assessment.ComplexityScore = 1.0
		assessment.ForbiddenCapabilities = []string{CapUnparseable}
		return assessment
	}

	caps := map[string]struct{}{}
	scanImports(file, caps)
	scanCalls(file, caps)

	assessment.ForbiddenCapabilities = sortedCaps(caps)
	assessment.ComplexityScore = complexity(file)
	assessment.StaticScore = score(len(assessment.ForbiddenCapabilities), assessment.ComplexityScore)
	return assessment
}

func scanImports(file *ast.File, caps map[string]struct{}) {
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		for forbidden, capability := range forbiddenImports {
			if path == forbidden || strings.HasPrefix(path, forbidden+"/") {
				caps[capability] = struct{}{}
			}
		}
	}
}

func scanCalls(file *ast.File, caps map[string]struct{}) {
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		name := ident.Name + "." + sel.Sel.Name
		if capability, bad := forbiddenCalls[name]; bad {
			caps[capability] = struct{}{}
		}
		// reflect.Value.Call style dynamic dispatch
		if sel.Sel.Name == "Call" && strings.Contains(strings.ToLower(ident.Name), "reflect") {
			caps[CapDynamicExec] = struct{}{}
		}
		return true
	})
}

// complexity maps branching and nesting density to [0,1]. The metric is
// intentionally coarse: it only has to separate trivially-reviewable code
// from code a human should look at.
func complexity(file *ast.File) float64 {
	decisions := 0
	statements := 0
	maxDepth := 0

	var walk func(n ast.Node, depth int)
	walk = func(n ast.Node, depth int) {
		ast.Inspect(n, func(child ast.Node) bool {
			switch child.(type) {
			case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt,
				*ast.TypeSwitchStmt, *ast.SelectStmt, *ast.CaseClause, *ast.CommClause:
				decisions++
			}
			if _, ok := child.(ast.Stmt); ok {
				statements++
			}
			if block, ok := child.(*ast.BlockStmt); ok && child != n {
				if depth+1 > maxDepth {
					maxDepth = depth + 1
				}
				walk(block, depth+1)
				return false
			}
			return true
		})
	}

	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Body != nil {
			walk(fn.Body, 0)
		}
	}

	if statements == 0 {
		return 0.0
	}

	density := float64(decisions) / float64(statements)
	if density > 1 {
		density = 1
	}
	depth := float64(maxDepth) / 8.0
	if depth > 1 {
		depth = 1
	}
	return clamp(0.6*density*2 + 0.4*depth)
}

func score(forbiddenCount int, complexityScore float64) float64 {
	capScore := 1.0
	if forbiddenCount > 0 {
		capScore = 0.0
	}
	return clamp(capabilityWeight*capScore + complexityWeight*(1.0-complexityScore))
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func sortedCaps(caps map[string]struct{}) []string {
	out := make([]string, 0, len(caps))
	for c := range caps {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Findings renders an assessment's static fields as text for the
// cognitive assessor's prompt.
func Findings(a *artifact.SecurityAssessment) string {
	capabilities := "none"
	if len(a.ForbiddenCapabilities) > 0 {
		capabilities = strings.Join(a.ForbiddenCapabilities, ", ")
	}
	return fmt.Sprintf("static_score: %.2f\ncomplexity_score: %.2f\nforbidden_capabilities: %s",
		a.StaticScore, a.ComplexityScore, capabilities)
}
