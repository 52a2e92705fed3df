// Package expand replaces inline fragment references in prompt text.
//
// A tag <@id> becomes the fragment's full rendering and <@id:short> becomes
// "<name>: <description>". Problems never fail the expansion: an unknown id
// becomes "[unknown fragment: id]" and a reference back into the current
// expansion path becomes "[circular fragment: id]". Tags nested deeper than
// the depth budget are left as they are.
package expand

import (
	"context"
	"regexp"
	"strings"

	"storyloom/internal/fragments"
	"storyloom/internal/logging"
	"storyloom/internal/store"
	"storyloom/internal/types"
)

var tagPattern = regexp.MustCompile(`<@([A-Za-z0-9_-]+)(:short)?>`)

// Options configure one Expand call.
type Options struct {
	// MaxDepth is how many levels of tags inside expanded content are also
	// expanded. Zero inserts expanded content verbatim.
	MaxDepth int
}

// Expander resolves tags against one story.
type Expander struct {
	reader   store.FragmentReader
	registry *fragments.Registry
}

// New creates an expander. A nil registry uses the built-in fragment types.
func New(reader store.FragmentReader, registry *fragments.Registry) *Expander {
	if registry == nil {
		registry = fragments.DefaultRegistry()
	}
	return &Expander{reader: reader, registry: registry}
}

// call holds the state of a single top-level Expand or ExpandMessages call.
type call struct {
	ctx     context.Context
	storyID string
	cache   map[string]*types.Fragment
}

// Expand replaces every tag in text.
func (e *Expander) Expand(ctx context.Context, storyID, text string, opts Options) string {
	c := &call{ctx: ctx, storyID: storyID, cache: make(map[string]*types.Fragment)}
	return e.expand(c, text, opts.MaxDepth, nil)
}

// ExpandMessages expands every message independently. Split messages have
// each part expanded; cache annotations are kept.
func (e *Expander) ExpandMessages(ctx context.Context, storyID string, messages []types.ContextMessage, opts Options) []types.ContextMessage {
	c := &call{ctx: ctx, storyID: storyID, cache: make(map[string]*types.Fragment)}

	out := make([]types.ContextMessage, len(messages))
	for i, m := range messages {
		out[i] = m
		if len(m.Parts) > 0 {
			parts := make([]types.ContentPart, len(m.Parts))
			for j, p := range m.Parts {
				parts[j] = p
				parts[j].Text = e.expand(c, p.Text, opts.MaxDepth, nil)
			}
			out[i].Parts = parts
			continue
		}
		out[i].Content = e.expand(c, m.Content, opts.MaxDepth, nil)
	}
	return out
}

// expand rewrites the tags of text. remaining is the number of further
// levels that may be expanded inside inserted content; path holds the ids
// currently being expanded and is never shared between siblings.
func (e *Expander) expand(c *call, text string, remaining int, path []string) string {
	if !strings.Contains(text, "<@") {
		return text
	}

	matches := tagPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(text[last:m[0]])
		last = m[1]

		id := text[m[2]:m[3]]
		short := m[4] >= 0

		if onPath(path, id) {
			logging.ExpandDebug("Circular reference to %s (path %v)", id, path)
			sb.WriteString("[circular fragment: " + id + "]")
			continue
		}

		f := e.lookup(c, id)
		if f == nil {
			sb.WriteString("[unknown fragment: " + id + "]")
			continue
		}

		if short {
			sb.WriteString(fragments.Short(f))
			continue
		}

		rendered := e.registry.Render(f)
		if remaining > 0 {
			childPath := make([]string, len(path), len(path)+1)
			copy(childPath, path)
			childPath = append(childPath, id)
			rendered = e.expand(c, rendered, remaining-1, childPath)
		}
		sb.WriteString(rendered)
	}
	sb.WriteString(text[last:])
	return sb.String()
}

func (e *Expander) lookup(c *call, id string) *types.Fragment {
	if f, ok := c.cache[id]; ok {
		return f
	}
	f, err := e.reader.GetFragment(c.ctx, c.storyID, id)
	if err != nil {
		logging.ExpandWarn("Failed to load fragment %s: %v", id, err)
		f = nil
	}
	c.cache[id] = f
	return f
}

func onPath(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}
