package session

import "strings"

// paginate splits content into pages of at most pageSize characters,
// preferring paragraph boundaries. Paragraphs longer than a page are split
// at the page boundary. The result is deterministic for a given content
// and page size.
func paginate(content string, pageSize int) []string {
	if content == "" || pageSize <= 0 {
		return nil
	}

	var pages []string
	var current string

	for _, para := range strings.Split(content, "\n\n") {
		switch {
		case len(current)+len(para)+2 <= pageSize:
			if current != "" {
				current += "\n\n" + para
			} else {
				current = para
			}
		case len(para) > pageSize:
			if current != "" {
				pages = append(pages, current)
				current = ""
			}
			for i := 0; i < len(para); i += pageSize {
				end := i + pageSize
				if end < len(para) {
					pages = append(pages, para[i:end])
				} else {
					current = para[i:]
				}
			}
		default:
			if current != "" {
				pages = append(pages, current)
			}
			current = para
		}
	}

	if current != "" {
		pages = append(pages, current)
	}
	return pages
}
