package assistant

import (
	"regexp"
	"strings"

	"github.com/docpilot/core/pkg/session"
)

var docBlockRe = regexp.MustCompile(`(?s)\[DOC\]\s*(.*?)\s*\[/DOC\]`)

// extractDocBlock splits an AI reply into conversational text and an
// optional document content block. Replies carry edited document text
// inside a [DOC]...[/DOC] fence; only the first block is used.
func extractDocBlock(reply string) (body, doc string) {
	m := docBlockRe.FindStringSubmatchIndex(reply)
	if m == nil {
		return strings.TrimSpace(reply), ""
	}
	doc = reply[m[2]:m[3]]
	body = strings.TrimSpace(reply[:m[0]] + reply[m[1]:])
	return body, doc
}

var todoLineRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)

// parseTodos turns an analysis reply into todos, one per bulleted or
// numbered line. Lines that are not list items are ignored.
func parseTodos(reply string) []session.Todo {
	var todos []session.Todo
	for _, line := range strings.Split(reply, "\n") {
		m := todoLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m[1])
		if text == "" {
			continue
		}
		todos = append(todos, session.NewTodo(text, text, "edit", "", text, 3))
	}
	return todos
}
