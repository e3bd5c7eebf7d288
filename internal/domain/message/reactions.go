package message

import "sort"

// ReactionGroup is the per-emoji view of a message's reactions.
type ReactionGroup struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	Mine  bool   `json:"mine"`
}

// GroupReactions derives groups from the flat reaction list. Groups are ordered
// by the first time each emoji was used, then by emoji.
func GroupReactions(reactions []Reaction, self string) []ReactionGroup {
	if len(reactions) == 0 {
		return nil
	}
	type acc struct {
		group ReactionGroup
		first Reaction
	}
	byEmoji := make(map[string]*acc)
	seen := make(map[[2]string]struct{})
	for _, r := range reactions {
		key := [2]string{r.UserID, r.Emoji}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		a, ok := byEmoji[r.Emoji]
		if !ok {
			a = &acc{group: ReactionGroup{Emoji: r.Emoji}, first: r}
			byEmoji[r.Emoji] = a
		}
		a.group.Count++
		if r.UserID == self {
			a.group.Mine = true
		}
		if r.CreatedAt.Before(a.first.CreatedAt) {
			a.first = r
		}
	}

	list := make([]*acc, 0, len(byEmoji))
	for _, a := range byEmoji {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].first.CreatedAt.Equal(list[j].first.CreatedAt) {
			return list[i].first.CreatedAt.Before(list[j].first.CreatedAt)
		}
		return list[i].group.Emoji < list[j].group.Emoji
	})

	out := make([]ReactionGroup, len(list))
	for i, a := range list {
		out[i] = a.group
	}
	return out
}
