package graph

// Edge routes from one node to another when its predicate holds. A nil
// predicate matches unconditionally. The engine evaluates a node's
// edges in declaration order and takes the first match.
type Edge struct {
	From string
	To   string
	When func(s *Session) bool
}

// evaluateEdges returns the first matching destination, or "" when no
// edge matches.
func evaluateEdges(edges []Edge, from string, s *Session) string {
	for _, e := range edges {
		if e.From != from {
			continue
		}
		if e.When == nil || e.When(s) {
			return e.To
		}
	}
	return ""
}
