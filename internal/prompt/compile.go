package prompt

import (
	"sort"
	"strings"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

// blockSeparator joins blocks that share a role.
const blockSeparator = "\n\n"

// roleOrder is the fixed message order.
var roleOrder = []types.Role{types.RoleSystem, types.RoleUser}

// BlockMarker returns the header line that precedes a block in compiled text.
func BlockMarker(id string) string {
	return "[@block=" + id + "]"
}

// CompileBlocks renders blocks into one message per non-empty role, system
// first. Within a role blocks are sorted by order; equal orders keep their
// input order.
func CompileBlocks(blocks []ContextBlock) []types.ContextMessage {
	if len(blocks) == 0 {
		return []types.ContextMessage{}
	}

	byRole := make(map[types.Role][]ContextBlock)
	var extraRoles []types.Role
	for _, b := range blocks {
		if _, seen := byRole[b.Role]; !seen && b.Role != types.RoleSystem && b.Role != types.RoleUser {
			extraRoles = append(extraRoles, b.Role)
		}
		byRole[b.Role] = append(byRole[b.Role], b)
	}

	messages := make([]types.ContextMessage, 0, len(byRole))
	for _, role := range append(append([]types.Role{}, roleOrder...), extraRoles...) {
		group := byRole[role]
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return group[i].Order < group[j].Order })

		rendered := make([]string, len(group))
		for i, b := range group {
			rendered[i] = BlockMarker(b.ID) + "\n" + b.Content
		}
		messages = append(messages, types.ContextMessage{
			Role:    role,
			Content: strings.Join(rendered, blockSeparator),
		})
	}

	logging.BlocksDebug("Compiled %d blocks into %d messages", len(blocks), len(messages))
	return messages
}

// AddCacheBreakpoints marks the stable prompt prefix as cacheable. System
// messages are cached whole. A user message is split at the author-input
// marker into a cached prefix part and an uncached suffix part; without the
// marker (or with nothing before it) the message is returned unchanged. The
// marker only counts at a block boundary, never inside block content.
func AddCacheBreakpoints(messages []types.ContextMessage) []types.ContextMessage {
	boundary := blockSeparator + BlockMarker(BlockAuthorInput) + "\n"
	out := make([]types.ContextMessage, len(messages))

	for i, m := range messages {
		out[i] = m
		if len(m.Parts) > 0 {
			continue
		}
		switch m.Role {
		case types.RoleSystem:
			out[i].Cache = types.EphemeralCache()
		case types.RoleUser:
			idx := strings.Index(m.Content, boundary)
			if idx < 0 {
				continue
			}
			idx += len(blockSeparator)
			out[i].Content = ""
			out[i].Parts = []types.ContentPart{
				{Text: m.Content[:idx], Cache: types.EphemeralCache()},
				{Text: m.Content[idx:]},
			}
		}
	}
	return out
}
