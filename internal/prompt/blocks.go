package prompt

import (
	"fmt"
	"sort"
	"strings"

	"storyloom/internal/fragments"
	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// BlockSource records where a block came from.
type BlockSource string

const (
	SourceBuiltin BlockSource = "builtin"
	SourceCustom  BlockSource = "custom"
	SourceScript  BlockSource = "script"
)

// Default block ids.
const (
	BlockInstructions     = "instructions"
	BlockTools            = "tools"
	BlockStoryInfo        = "story-info"
	BlockSummary          = "summary"
	BlockChapterSummaries = "chapter-summaries"
	BlockProse            = "prose"
	BlockAuthorInput      = "author-input"
)

// ContextBlock is a named, role-tagged, ordered chunk of prompt text.
// Ids are unique within a block list.
type ContextBlock struct {
	ID      string      `json:"id" yaml:"id"`
	Role    types.Role  `json:"role" yaml:"role"`
	Content string      `json:"content" yaml:"content"`
	Order   int         `json:"order" yaml:"order"`
	Source  BlockSource `json:"source" yaml:"source"`
}

// DefaultInstructions is the instructions block used when none is supplied.
const DefaultInstructions = `You are a fiction writing assistant working inside an existing story.
Stay consistent with the established characters, guidelines and knowledge.
Continue in the voice and tense of the recent prose unless the author asks otherwise.`

// BlockOptions parameterize CreateDefaultBlocks.
type BlockOptions struct {
	Registry     *fragments.Registry
	Instructions string
	Tools        []types.Tool
}

// CreateDefaultBlocks builds the built-in block set for a state.
func CreateDefaultBlocks(state *ContextBuildState, opts BlockOptions) []ContextBlock {
	reg := opts.Registry
	if reg == nil {
		reg = fragments.DefaultRegistry()
	}

	instructions := opts.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}

	blocks := []ContextBlock{
		builtin(BlockInstructions, types.RoleSystem, 100, instructions),
		builtin(BlockTools, types.RoleSystem, 200, renderTools(opts.Tools)),
	}

	typeNames := stateTypes(state, reg)

	for i, typeName := range typeNames {
		var sys []types.Fragment
		for _, f := range state.StickyByType[typeName] {
			if reg.PlacementOf(&f) == types.PlacementSystem {
				sys = append(sys, f)
			}
		}
		if len(sys) > 0 {
			blocks = append(blocks, builtin("sticky-"+typeName+"-system", types.RoleSystem, 300+i,
				renderSticky(reg, typeName, sys)))
		}
	}

	if story := state.Story; story != nil && (story.Name != "" || story.Description != "") {
		content := "# " + story.Name
		if story.Description != "" {
			content += "\n" + story.Description
		}
		blocks = append(blocks, builtin(BlockStoryInfo, types.RoleUser, 100, content))
	}

	if state.Summary != "" {
		blocks = append(blocks, builtin(BlockSummary, types.RoleUser, 200, "## Story so far\n"+state.Summary))
	}

	if len(state.ChapterSummaries) > 0 {
		var sb strings.Builder
		sb.WriteString("## Chapter summaries")
		for _, ch := range state.ChapterSummaries {
			fmt.Fprintf(&sb, "\n\n### %s\n%s", ch.Name, ch.Summary)
		}
		blocks = append(blocks, builtin(BlockChapterSummaries, types.RoleUser, 250, sb.String()))
	}

	for i, typeName := range typeNames {
		var user []types.Fragment
		for _, f := range state.StickyByType[typeName] {
			if reg.PlacementOf(&f) != types.PlacementSystem {
				user = append(user, f)
			}
		}
		if len(user) > 0 {
			blocks = append(blocks, builtin("sticky-"+typeName, types.RoleUser, 300+i,
				renderSticky(reg, typeName, user)))
		}
	}

	for i, typeName := range typeNames {
		entries := state.ShortlistByType[typeName]
		if len(entries) == 0 {
			continue
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "## %s (shortlist)", reg.Label(typeName))
		for _, e := range entries {
			fmt.Fprintf(&sb, "\n- %s: %s", e.ID, e.Description)
		}
		blocks = append(blocks, builtin("shortlist-"+typeName, types.RoleUser, 400+i, sb.String()))
	}

	if len(state.ProseFragments) > 0 {
		parts := make([]string, 0, len(state.ProseFragments))
		for i := range state.ProseFragments {
			parts = append(parts, reg.Render(&state.ProseFragments[i]))
		}
		blocks = append(blocks, builtin(BlockProse, types.RoleUser, 500,
			"## Recent prose\n\n"+strings.Join(parts, "\n\n")))
	}

	blocks = append(blocks, builtin(BlockAuthorInput, types.RoleUser, 1000, "## Author input\n"+state.AuthorInput))

	logging.BlocksDebug("Created %d default blocks", len(blocks))
	return blocks
}

func builtin(id string, role types.Role, order int, content string) ContextBlock {
	return ContextBlock{ID: id, Role: role, Content: content, Order: order, Source: SourceBuiltin}
}

// stateTypes returns the fragment types present in the sticky or shortlist
// groups: registry order first, then unregistered types by name.
func stateTypes(state *ContextBuildState, reg *fragments.Registry) []string {
	present := make(map[string]bool)
	for t := range state.StickyByType {
		present[t] = true
	}
	for t := range state.ShortlistByType {
		present[t] = true
	}

	var out []string
	for _, t := range reg.Types() {
		if present[t] {
			out = append(out, t)
			delete(present, t)
		}
	}
	var rest []string
	for t := range present {
		rest = append(rest, t)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func renderSticky(reg *fragments.Registry, typeName string, list []types.Fragment) string {
	parts := make([]string, 0, len(list)+1)
	parts = append(parts, "## "+reg.Label(typeName))
	for i := range list {
		parts = append(parts, reg.Render(&list[i]))
	}
	return strings.Join(parts, "\n\n")
}

func renderTools(tools []types.Tool) string {
	if len(tools) == 0 {
		return "No tools are available for this request."
	}
	var sb strings.Builder
	sb.WriteString("## Tools\nCall these tools when you need more than the context below provides.")
	for _, t := range tools {
		fmt.Fprintf(&sb, "\n- %s: %s", t.Name, t.Description)
	}
	return sb.String()
}

// =============================================================================
// Block list editing
// =============================================================================
// The editing helpers never modify their input slice.

// FindBlock returns a copy of the block with the given id.
func FindBlock(blocks []ContextBlock, id string) (ContextBlock, bool) {
	if i := indexOf(blocks, id); i >= 0 {
		return blocks[i], true
	}
	return ContextBlock{}, false
}

// ReplaceBlockContent sets the content of the block with the given id.
func ReplaceBlockContent(blocks []ContextBlock, id, content string) []ContextBlock {
	out := cloneBlocks(blocks)
	if i := indexOf(out, id); i >= 0 {
		out[i].Content = content
	}
	return out
}

// RemoveBlock drops the block with the given id.
func RemoveBlock(blocks []ContextBlock, id string) []ContextBlock {
	out := make([]ContextBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.ID != id {
			out = append(out, b)
		}
	}
	return out
}

// InsertBlockBefore inserts block ahead of targetID, taking the target's order
// so it compiles immediately before it. A missing target appends the block
// unchanged. An existing block with the same id is replaced.
func InsertBlockBefore(blocks []ContextBlock, targetID string, block ContextBlock) []ContextBlock {
	return insertBlock(blocks, targetID, block, 0)
}

// InsertBlockAfter is InsertBlockBefore, placing the block after the target.
func InsertBlockAfter(blocks []ContextBlock, targetID string, block ContextBlock) []ContextBlock {
	return insertBlock(blocks, targetID, block, 1)
}

func insertBlock(blocks []ContextBlock, targetID string, block ContextBlock, offset int) []ContextBlock {
	out := RemoveBlock(blocks, block.ID)
	i := indexOf(out, targetID)
	if i < 0 {
		return append(out, block)
	}
	block.Order = out[i].Order
	i += offset
	out = append(out, ContextBlock{})
	copy(out[i+1:], out[i:])
	out[i] = block
	return out
}

// ReorderBlock rewrites the order of the block with the given id.
func ReorderBlock(blocks []ContextBlock, id string, order int) []ContextBlock {
	out := cloneBlocks(blocks)
	if i := indexOf(out, id); i >= 0 {
		out[i].Order = order
	}
	return out
}

// ApplyBlockOrder gives listed ids orders 0..n-1 in list order and moves every
// unlisted block after them, keeping their existing relative order.
func ApplyBlockOrder(blocks []ContextBlock, order []string) []ContextBlock {
	if len(order) == 0 {
		return cloneBlocks(blocks)
	}
	rank := make(map[string]int, len(order))
	for i, id := range order {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}

	out := cloneBlocks(blocks)
	var unlisted []int
	for i := range out {
		if r, ok := rank[out[i].ID]; ok {
			out[i].Order = r
		} else {
			unlisted = append(unlisted, i)
		}
	}
	sort.SliceStable(unlisted, func(a, b int) bool {
		return out[unlisted[a]].Order < out[unlisted[b]].Order
	})
	for n, i := range unlisted {
		out[i].Order = len(order) + n
	}
	return out
}

func indexOf(blocks []ContextBlock, id string) int {
	for i := range blocks {
		if blocks[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneBlocks(blocks []ContextBlock) []ContextBlock {
	out := make([]ContextBlock, len(blocks))
	copy(out, blocks)
	return out
}
