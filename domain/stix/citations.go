package stix

import (
	"fmt"
	"regexp"
)

// linkByIDPattern matches embedded citation markers of the form
// (LinkById: <stable id>).
var linkByIDPattern = regexp.MustCompile(`\(LinkById: ([a-zA-Z0-9-]+--[0-9a-fA-F-]{36})\)`)

// ExpandLinkByIDs rewrites (LinkById: <id>) markers in text into markdown
// links carrying the referenced object's ATT&CK ID and resolved URL.
// resolve is called once per distinct id; returning nil leaves that
// marker in place. The second return reports whether every marker
// resolved.
func ExpandLinkByIDs(text string, resolve func(id string) *Envelope) (string, bool) {
	if text == "" {
		return text, true
	}
	allResolved := true
	resolved := make(map[string]*Envelope)
	out := linkByIDPattern.ReplaceAllStringFunc(text, func(match string) string {
		id := linkByIDPattern.FindStringSubmatch(match)[1]
		target, seen := resolved[id]
		if !seen {
			target = resolve(id)
			resolved[id] = target
		}
		if target == nil || target.AttackID() == "" {
			allResolved = false
			return match
		}
		return fmt.Sprintf("[%s](%s)", target.AttackID(), target.AttackIDURL())
	})
	return out, allResolved
}

// ExpandObjectLinkByIDs rewrites citation markers in every text field of
// an object payload.
func ExpandObjectLinkByIDs(e *Envelope, resolve func(id string) *Envelope) bool {
	allResolved := true
	var ok bool
	if e.Description, ok = ExpandLinkByIDs(e.Description, resolve); !ok {
		allResolved = false
	}
	if e.Content, ok = ExpandLinkByIDs(e.Content, resolve); !ok {
		allResolved = false
	}
	return allResolved
}
