package router

import (
	"maps"
	"slices"
	"strings"
)

// cmdNode is one token of a command route. Inner nodes group subcommands;
// a node with cmd set is invocable.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode { return &cmdNode{children: map[string]*cmdNode{}} }

func splitRoute(route string) []string { return strings.Fields(route) }

// add registers c under route, creating intermediate groups. A later
// registration of the same route wins.
func (n *cmdNode) add(route []string, c Command) {
	for _, tok := range route {
		next := n.children[tok]
		if next == nil {
			next = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			n.children[tok] = next
		}
		n = next
	}
	n.cmd = &c
}

func (n *cmdNode) find(path []string) *cmdNode {
	for _, tok := range path {
		if n = n.children[tok]; n == nil {
			return nil
		}
	}
	return n
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	return slices.Sorted(maps.Keys(n.children))
}
