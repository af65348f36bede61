package knowledge

import (
	"fmt"
	"strings"
)

// FormatContext 将检索结果格式化为 LLM 上下文文本
func FormatContext(docs []Document) string {
	if len(docs) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, doc := range docs {
		fmt.Fprintf(&sb, "[%d] ", i+1)
		if doc.Title != "" {
			sb.WriteString(doc.Title)
			sb.WriteString("\n")
		}
		sb.WriteString(strings.TrimSpace(doc.Content))
		if doc.Source != "" || doc.URL != "" {
			sb.WriteString("\n(来源: ")
			sb.WriteString(firstNonEmpty(doc.Source, doc.URL))
			sb.WriteString(")")
		}
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
