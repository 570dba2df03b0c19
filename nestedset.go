package access

import (
	"fmt"
	"sort"
)

// TreeNode is the adjacency form of a nested-set node.
type TreeNode struct {
	ID       int64
	ParentID int64
	Lft      int64
	Rgt      int64
}

// RebuildNestedSet assigns lft/rgt from parent ids with a depth-first walk,
// visiting siblings in id order. Nodes with ParentID 0 are roots. A parent
// that does not exist, or a node unreachable from any root, is an error.
func RebuildNestedSet(nodes []TreeNode) ([]TreeNode, error) {
	byID := make(map[int64]int, len(nodes))
	for i, n := range nodes {
		if n.ID == 0 {
			return nil, fmt.Errorf("node at index %d has no id", i)
		}
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %d", n.ID)
		}
		byID[n.ID] = i
	}
	children := make(map[int64][]int64)
	for _, n := range nodes {
		if n.ParentID != 0 {
			if _, ok := byID[n.ParentID]; !ok {
				return nil, fmt.Errorf("node %d references missing parent %d", n.ID, n.ParentID)
			}
		}
		children[n.ParentID] = append(children[n.ParentID], n.ID)
	}
	for _, ids := range children {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	out := make([]TreeNode, len(nodes))
	copy(out, nodes)
	counter := int64(0)
	visited := 0
	var walk func(id int64)
	walk = func(id int64) {
		idx := byID[id]
		counter++
		out[idx].Lft = counter
		visited++
		for _, child := range children[id] {
			walk(child)
		}
		counter++
		out[idx].Rgt = counter
	}
	for _, root := range children[0] {
		walk(root)
	}
	if visited != len(nodes) {
		return nil, fmt.Errorf("tree contains a cycle: %d of %d nodes reachable", visited, len(nodes))
	}
	return out, nil
}

// Normalize fills in lft/rgt for the asset and group trees when a tree
// carries no positions at all. Trees with explicit positions are kept as is.
func (s *Seed) Normalize() error {
	if s == nil {
		return nil
	}
	if needsPositions(len(s.Assets), func(i int) (int64, int64) { return s.Assets[i].Lft, s.Assets[i].Rgt }) {
		nodes := make([]TreeNode, len(s.Assets))
		for i, a := range s.Assets {
			nodes[i] = TreeNode{ID: a.ID, ParentID: a.ParentID}
		}
		rebuilt, err := RebuildNestedSet(nodes)
		if err != nil {
			return fmt.Errorf("asset tree: %w", err)
		}
		for i := range s.Assets {
			s.Assets[i].Lft, s.Assets[i].Rgt = rebuilt[i].Lft, rebuilt[i].Rgt
		}
	}
	if needsPositions(len(s.Groups), func(i int) (int64, int64) { return s.Groups[i].Lft, s.Groups[i].Rgt }) {
		nodes := make([]TreeNode, len(s.Groups))
		for i, g := range s.Groups {
			nodes[i] = TreeNode{ID: g.ID, ParentID: g.ParentID}
		}
		rebuilt, err := RebuildNestedSet(nodes)
		if err != nil {
			return fmt.Errorf("group tree: %w", err)
		}
		for i := range s.Groups {
			s.Groups[i].Lft, s.Groups[i].Rgt = rebuilt[i].Lft, rebuilt[i].Rgt
		}
	}
	return nil
}

func needsPositions(n int, pos func(int) (int64, int64)) bool {
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if l, r := pos(i); l != 0 || r != 0 {
			return false
		}
	}
	return true
}
