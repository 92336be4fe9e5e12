package merkle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const MaxDepth = 32

var (
	ErrInvalidDepth = errors.New("merkle: invalid depth")
	ErrTreeFull     = errors.New("merkle: tree is full")
	ErrOutOfRange   = errors.New("merkle: leaf index out of range")
)

// Tree is an incremental binary Merkle tree. Empty positions hold the zero
// subtree of their level, so the root is defined for any fill level.
type Tree struct {
	depth int
	zeros []common.Hash
	// nodes[0] are leaves; nodes[l][i] is the i-th filled node of level l.
	nodes [][]common.Hash
}

func NewTree(depth int) (*Tree, error) {
	if depth <= 0 || depth > MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}
	zeros := make([]common.Hash, depth+1)
	for l := 1; l <= depth; l++ {
		zeros[l] = hashPair(zeros[l-1], zeros[l-1])
	}
	return &Tree{depth: depth, zeros: zeros, nodes: make([][]common.Hash, depth+1)}, nil
}

func hashPair(a, b common.Hash) common.Hash {
	return crypto.Keccak256Hash(a[:], b[:])
}

func (t *Tree) Depth() int { return t.depth }

func (t *Tree) Len() uint64 { return uint64(len(t.nodes[0])) }

func (t *Tree) capacity() uint64 { return uint64(1) << uint(t.depth) }

func (t *Tree) Leaves() []common.Hash {
	return append([]common.Hash(nil), t.nodes[0]...)
}

// Insert appends leaf and returns its index.
func (t *Tree) Insert(leaf common.Hash) (uint64, error) {
	idx := t.Len()
	if idx >= t.capacity() {
		return 0, ErrTreeFull
	}
	t.nodes[0] = append(t.nodes[0], leaf)
	cur := leaf
	pos := idx
	for l := 0; l < t.depth; l++ {
		var parent common.Hash
		if pos%2 == 0 {
			parent = hashPair(cur, t.zeros[l])
		} else {
			parent = hashPair(t.nodes[l][pos-1], cur)
		}
		pos /= 2
		if uint64(len(t.nodes[l+1])) == pos {
			t.nodes[l+1] = append(t.nodes[l+1], parent)
		} else {
			t.nodes[l+1][pos] = parent
		}
		cur = parent
	}
	return idx, nil
}

func (t *Tree) BulkInsert(leaves []common.Hash) error {
	if t.Len()+uint64(len(leaves)) > t.capacity() {
		return ErrTreeFull
	}
	for _, leaf := range leaves {
		if _, err := t.Insert(leaf); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) Root() common.Hash {
	if len(t.nodes[t.depth]) == 0 {
		return t.zeros[t.depth]
	}
	return t.nodes[t.depth][0]
}

func (t *Tree) node(level int, i uint64) common.Hash {
	if i < uint64(len(t.nodes[level])) {
		return t.nodes[level][i]
	}
	return t.zeros[level]
}

// Path returns the sibling hashes from leaf i up to the root.
func (t *Tree) Path(i uint64) ([]common.Hash, error) {
	if i >= t.Len() {
		return nil, fmt.Errorf("%w: %d >= %d", ErrOutOfRange, i, t.Len())
	}
	path := make([]common.Hash, t.depth)
	pos := i
	for l := 0; l < t.depth; l++ {
		path[l] = t.node(l, pos^1)
		pos /= 2
	}
	return path, nil
}

func (t *Tree) Clone() *Tree {
	out := &Tree{depth: t.depth, zeros: t.zeros, nodes: make([][]common.Hash, len(t.nodes))}
	for l := range t.nodes {
		out.nodes[l] = append([]common.Hash(nil), t.nodes[l]...)
	}
	return out
}

// VerifyPath reports whether leaf at index hashes up to root along path.
func VerifyPath(root, leaf common.Hash, index uint64, path []common.Hash) bool {
	if len(path) == 0 || len(path) > MaxDepth || index >= uint64(1)<<uint(len(path)) {
		return false
	}
	cur := leaf
	for _, sib := range path {
		if index%2 == 0 {
			cur = hashPair(cur, sib)
		} else {
			cur = hashPair(sib, cur)
		}
		index /= 2
	}
	return cur == root
}
