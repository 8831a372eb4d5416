package chat

import "strings"

// PartialAnswer accumulates the text-delta fragments of one user submission.
// It is shared across the routers of tool-resumed continuations so the
// pre-tool-call segment is never lost, and passed explicitly rather than
// captured ambiently. Single writer per submission; not safe for concurrent
// use.
type PartialAnswer struct {
	sb strings.Builder
}

func (p *PartialAnswer) Append(delta string) {
	p.sb.WriteString(delta)
}

func (p *PartialAnswer) String() string {
	return p.sb.String()
}

func (p *PartialAnswer) Len() int {
	return p.sb.Len()
}
