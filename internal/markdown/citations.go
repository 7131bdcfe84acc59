package markdown

import (
	"fmt"
	"regexp"
	"strings"
)

// linkPattern matches inline markdown links and images: [text](url "title")
var linkPattern = regexp.MustCompile(`(!?)\[([^\]]*)\]\(([^)\s]+)(?:\s+"([^"]*)")?\)`)

// convertLinksToCitations replaces inline links with text⟨n⟩ markers and returns the
// rewritten markdown together with a references section. Images stay inline.
// Repeated URLs reuse their first index.
func convertLinksToCitations(md string) (string, string) {
	indexByURL := make(map[string]int)
	var refs []string

	cited := linkPattern.ReplaceAllStringFunc(md, func(match string) string {
		parts := linkPattern.FindStringSubmatch(match)
		if parts[1] == "!" {
			return match
		}
		text, href, title := parts[2], parts[3], parts[4]

		idx, ok := indexByURL[href]
		if !ok {
			idx = len(indexByURL) + 1
			indexByURL[href] = idx

			desc := title
			if desc == "" {
				desc = text
			}
			ref := fmt.Sprintf("⟨%d⟩ %s", idx, href)
			if desc != "" {
				ref += ": " + desc
			}
			refs = append(refs, ref)
		}
		return fmt.Sprintf("%s⟨%d⟩", text, idx)
	})

	if len(refs) == 0 {
		return cited, ""
	}
	return cited, "\n\n## References\n\n" + strings.Join(refs, "\n") + "\n"
}
