package prompt

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"storyloom/internal/logging"
)

// =============================================================================
// SCRIPT BLOCKS (yaegi)
// =============================================================================
// A script block's content is the body of
//
//	func Block(ctx map[string]interface{}) string
//
// evaluated by an isolated yaegi interpreter that can only import the allowed
// stdlib packages. Scripts receive a snapshot of the build state as plain
// values; they cannot reach the store, the network or the filesystem.
// Content that already declares "func Block(" is used as a complete file.

// DefaultScriptPackages are the stdlib packages a script may import.
var DefaultScriptPackages = []string{"fmt", "strings", "strconv", "math", "sort", "unicode", "regexp", "time"}

// ScriptRunner evaluates script blocks.
type ScriptRunner struct {
	allowedPackages map[string]bool
	symbols         interp.Exports
	timeout         time.Duration
}

// NewScriptRunner creates a runner. An empty allow-list uses
// DefaultScriptPackages; a non-positive timeout defaults to two seconds.
func NewScriptRunner(timeout time.Duration, allowed []string) *ScriptRunner {
	if len(allowed) == 0 {
		allowed = DefaultScriptPackages
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	r := &ScriptRunner{
		allowedPackages: make(map[string]bool, len(allowed)),
		symbols:         make(interp.Exports),
		timeout:         timeout,
	}
	for _, pkg := range allowed {
		r.allowedPackages[pkg] = true
	}
	// The body wrapper imports these two.
	r.allowedPackages["fmt"] = true
	r.allowedPackages["strings"] = true

	// stdlib.Symbols is keyed "<import path>/<package name>".
	for key, syms := range stdlib.Symbols {
		slash := strings.LastIndex(key, "/")
		if slash < 0 {
			continue
		}
		if r.allowedPackages[key[:slash]] {
			r.symbols[key] = syms
		}
	}
	return r
}

// Run evaluates one script against the given data and returns its text.
func (r *ScriptRunner) Run(ctx context.Context, script string, data map[string]interface{}) (string, error) {
	timer := logging.StartTimer(logging.CategoryScripts, "ScriptRunner.Run")
	defer timer.Stop()

	src, err := r.wrap(script)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	i := interp.New(interp.Options{})
	if err := i.Use(r.symbols); err != nil {
		return "", fmt.Errorf("failed to load script symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return "", fmt.Errorf("script evaluation failed: %w", err)
	}

	call := "main.Block(" + goLiteral(data) + ")"
	v, err := i.EvalWithContext(ctx, call)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("script timed out after %s: %w", r.timeout, ctx.Err())
		}
		return "", fmt.Errorf("script failed: %w", err)
	}
	if !v.IsValid() || !v.CanInterface() {
		return "", fmt.Errorf("script returned no value")
	}
	out, ok := v.Interface().(string)
	if !ok {
		return "", fmt.Errorf("script returned %T, want string", v.Interface())
	}
	logging.ScriptsDebug("Script produced %d chars", len(out))
	return out, nil
}

// wrap turns a function body into a complete file, or validates the imports
// of a complete file.
func (r *ScriptRunner) wrap(script string) (string, error) {
	if strings.Contains(script, "func Block(") {
		src := script
		if !strings.Contains(src, "package main") {
			src = "package main\n\n" + src
		}
		if err := r.validateImports(src); err != nil {
			return "", err
		}
		return src, nil
	}

	var sb strings.Builder
	sb.WriteString("package main\n\nimport (\n\t\"fmt\"\n\t\"strings\"\n)\n\n")
	sb.WriteString("var _ = fmt.Sprint\nvar _ = strings.TrimSpace\n\n")
	sb.WriteString("func Block(ctx map[string]interface{}) string {\n")
	sb.WriteString(script)
	sb.WriteString("\n}\n")
	return sb.String(), nil
}

func (r *ScriptRunner) validateImports(src string) error {
	f, err := parser.ParseFile(token.NewFileSet(), "block.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("script parse failed: %w", err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if !r.allowedPackages[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports in script: %v (allowed: %v)", forbidden, r.allowed())
	}
	return nil
}

func (r *ScriptRunner) allowed() []string {
	out := make([]string, 0, len(r.allowedPackages))
	for pkg := range r.allowedPackages {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// goLiteral renders data as a Go composite literal. Only strings, ints,
// bools and string slices are emitted; other values are dropped.
func goLiteral(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("map[string]interface{}{")
	for _, k := range keys {
		var lit string
		switch v := data[k].(type) {
		case string:
			lit = strconv.Quote(v)
		case int:
			lit = strconv.Itoa(v)
		case bool:
			lit = strconv.FormatBool(v)
		case []string:
			quoted := make([]string, len(v))
			for i, s := range v {
				quoted[i] = strconv.Quote(s)
			}
			lit = "[]string{" + strings.Join(quoted, ", ") + "}"
		default:
			continue
		}
		sb.WriteString(strconv.Quote(k))
		sb.WriteString(": ")
		sb.WriteString(lit)
		sb.WriteString(", ")
	}
	sb.WriteString("}")
	return sb.String()
}

// ScriptData snapshots the build state for scripts.
func ScriptData(state *ContextBuildState) map[string]interface{} {
	data := map[string]interface{}{
		"authorInput": state.AuthorInput,
		"summary":     state.Summary,
		"proseCount":  len(state.ProseFragments),
		"chapters":    len(state.ChapterSummaries),
	}
	if s := state.Story; s != nil {
		data["storyId"] = s.ID
		data["storyName"] = s.Name
		data["storyDescription"] = s.Description
	}
	if n := len(state.ProseFragments); n > 0 {
		data["lastProse"] = state.ProseFragments[n-1].Content
	}

	var sticky []string
	for _, list := range state.StickyByType {
		for _, f := range list {
			sticky = append(sticky, f.Name)
		}
	}
	sort.Strings(sticky)
	data["stickyNames"] = sticky
	return data
}
