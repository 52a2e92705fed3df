// Package fragments defines the fragment type registry: id prefixes, default
// placement and the per-type rendering used when a fragment's full content is
// placed into a prompt.
package fragments

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"storyloom/internal/types"
)

// Built-in fragment type names.
const (
	TypeProse     = "prose"
	TypeCharacter = "character"
	TypeGuideline = "guideline"
	TypeKnowledge = "knowledge"
	TypeMarker    = "marker"
)

// RenderFunc renders a fragment's full, type-specific prompt text.
type RenderFunc func(f *types.Fragment) string

// TypeDef describes one fragment type.
type TypeDef struct {
	// Name is the type name stored on fragments (e.g. "character").
	Name string

	// Prefix is prepended to generated ids (e.g. "ch" -> "ch-01j...").
	Prefix string

	// Label is the plural heading used in shortlist and sticky blocks.
	Label string

	// Structural types (prose, chapter markers) are placed by the prose
	// window and are never sticky or shortlisted.
	Structural bool

	// DefaultPlacement applies when a fragment leaves Placement empty.
	DefaultPlacement types.Placement

	// Render produces the full rendering; nil falls back to RenderSection.
	Render RenderFunc
}

// Registry is an immutable name -> TypeDef lookup. Build one per process (or
// per test) and inject it; there is no package-level registry.
type Registry struct {
	defs  map[string]TypeDef
	order []string
}

// NewRegistry builds a registry, rejecting duplicate names or prefixes.
func NewRegistry(defs ...TypeDef) (*Registry, error) {
	r := &Registry{defs: make(map[string]TypeDef, len(defs))}
	prefixes := make(map[string]string, len(defs))

	for _, d := range defs {
		if d.Name == "" || d.Prefix == "" {
			return nil, fmt.Errorf("fragment type requires name and prefix: %+v", d)
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate fragment type: %s", d.Name)
		}
		if other, dup := prefixes[d.Prefix]; dup {
			return nil, fmt.Errorf("fragment types %s and %s share prefix %q", other, d.Name, d.Prefix)
		}
		if d.DefaultPlacement == "" {
			d.DefaultPlacement = types.PlacementUser
		}
		if d.Label == "" {
			d.Label = strings.ToUpper(d.Name[:1]) + d.Name[1:] + "s"
		}
		r.defs[d.Name] = d
		prefixes[d.Prefix] = d.Name
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

// Builtins returns the built-in type definitions.
func Builtins() []TypeDef {
	return []TypeDef{
		{Name: TypeProse, Prefix: "pr", Label: "Prose", Structural: true, Render: renderProse},
		{Name: TypeCharacter, Prefix: "ch", Label: "Characters", Render: renderCharacter},
		{Name: TypeGuideline, Prefix: "gl", Label: "Guidelines", DefaultPlacement: types.PlacementSystem},
		{Name: TypeKnowledge, Prefix: "kn", Label: "Knowledge"},
		{Name: TypeMarker, Prefix: "mk", Label: "Chapters", Structural: true, Render: renderMarker},
	}
}

// DefaultRegistry returns a registry holding the built-in types.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Builtins()...)
	if err != nil {
		panic(err) // built-ins are static
	}
	return r
}

// Lookup returns the definition for a type name.
func (r *Registry) Lookup(name string) (TypeDef, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Types returns type names in registration order.
func (r *Registry) Types() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// IsStructural reports whether fragments of the type are placed by the prose
// window rather than the sticky/shortlist split. Unknown types are not.
func (r *Registry) IsStructural(typeName string) bool {
	d, ok := r.defs[typeName]
	return ok && d.Structural
}

// Label returns the plural heading for a type.
func (r *Registry) Label(typeName string) string {
	if d, ok := r.defs[typeName]; ok {
		return d.Label
	}
	return typeName
}

// PlacementOf returns the effective placement of a fragment.
func (r *Registry) PlacementOf(f *types.Fragment) types.Placement {
	if f.Placement != "" {
		return f.Placement
	}
	if d, ok := r.defs[f.Type]; ok {
		return d.DefaultPlacement
	}
	return types.PlacementUser
}

// Render returns the full type-specific rendering of a fragment.
func (r *Registry) Render(f *types.Fragment) string {
	if d, ok := r.defs[f.Type]; ok && d.Render != nil {
		return d.Render(f)
	}
	return RenderSection(f)
}

// Short returns the "<name>: <description>" rendering.
func Short(f *types.Fragment) string {
	return f.Name + ": " + f.Description
}

// NewID generates a prefixed, time-sortable id for a fragment of the given type.
func (r *Registry) NewID(typeName string) (string, error) {
	d, ok := r.defs[typeName]
	if !ok {
		return "", fmt.Errorf("unknown fragment type: %s", typeName)
	}
	return d.Prefix + "-" + strings.ToLower(ulid.Make().String()), nil
}

// TypeForID infers the type from an id prefix.
func (r *Registry) TypeForID(id string) (string, bool) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return "", false
	}
	for _, name := range r.order {
		if r.defs[name].Prefix == prefix {
			return name, true
		}
	}
	return "", false
}

// RenderSection is the generic rendering: a heading with name and id, then content.
func RenderSection(f *types.Fragment) string {
	return fmt.Sprintf("### %s (%s)\n%s", f.Name, f.ID, f.Content)
}

func renderProse(f *types.Fragment) string {
	return f.Content
}

func renderCharacter(f *types.Fragment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### %s (%s)\n", f.Name, f.ID)
	if f.Description != "" {
		sb.WriteString(f.Description)
		sb.WriteString("\n\n")
	}
	sb.WriteString(f.Content)
	return sb.String()
}

func renderMarker(f *types.Fragment) string {
	if summary := f.MetaString("summary"); summary != "" {
		return fmt.Sprintf("--- %s ---\n%s", f.Name, summary)
	}
	return fmt.Sprintf("--- %s ---", f.Name)
}
