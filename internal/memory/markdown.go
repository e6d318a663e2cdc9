package memory

import (
	"fmt"
	"sort"
	"strings"
)

var profileLabels = map[string]string{
	"name":       "姓名",
	"nickname":   "昵称",
	"email":      "邮箱",
	"phone":      "电话",
	"city":       "城市",
	"location":   "位置",
	"birthday":   "生日",
	"timezone":   "时区",
	"language":   "语言",
	"occupation": "职业",
	"company":    "公司",
}

const (
	minShownConfidence = 0.3
	shownEvents        = 20
	shownNotes         = 20
	shownTail          = 10
)

// Render projects a State into the MEMORY.md document. It is a pure
// function of its input.
func Render(s State) string {
	lines := []string{
		"# Memory\n",
		fmt.Sprintf("> 最后更新: %s\n", s.UpdatedAt.Format("2006-01-02 15:04:05")),
	}

	var profile []string
	for _, key := range ProfileFields {
		if v := s.Profile.Get(key); v != "" {
			profile = append(profile, fmt.Sprintf("- **%s**: %s", profileLabels[key], v))
		}
	}
	if len(profile) > 0 {
		lines = append(lines, "## 用户档案\n")
		lines = append(lines, profile...)
		lines = append(lines, "")
	}

	if len(s.Preferences) > 0 {
		lines = append(lines, "## 用户偏好\n")
		for _, p := range s.Preferences {
			if p.Confidence >= minShownConfidence {
				lines = append(lines, fmt.Sprintf("- %s: %s", p.Key, p.Value))
			}
		}
		lines = append(lines, "")
	}

	if len(s.Events) > 0 {
		lines = append(lines, "## 重要事件\n")
		events := append([]Event(nil), s.Events...)
		sort.SliceStable(events, func(i, j int) bool { return events[i].Date < events[j].Date })
		for _, e := range head(events, shownEvents) {
			lines = append(lines, fmt.Sprintf("- **%s**: %s", e.Date, e.Title))
			if e.Description != "" {
				lines = append(lines, "  - "+e.Description)
			}
		}
		lines = append(lines, "")
	}

	if len(s.Summaries) > 0 {
		lines = append(lines, "## 对话摘要\n")
		for _, sum := range tail(s.Summaries, shownTail) {
			lines = append(lines, "- "+sum)
		}
		lines = append(lines, "")
	}

	if len(s.Context) > 0 {
		lines = append(lines, "## 最近上下文\n")
		for _, c := range tail(s.Context, shownTail) {
			lines = append(lines, "- "+c)
		}
		lines = append(lines, "")
	}

	if len(s.Notes) > 0 {
		lines = append(lines, "## 备忘录\n")
		notes := append([]Note(nil), s.Notes...)
		sort.SliceStable(notes, func(i, j int) bool { return notes[i].Priority > notes[j].Priority })
		for _, n := range head(notes, shownNotes) {
			lines = append(lines, fmt.Sprintf("- %s %s", strings.Repeat("⭐", min(n.Priority, 5)), n.Content))
		}
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
