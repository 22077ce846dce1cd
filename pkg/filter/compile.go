package filter

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mev-engine/mev-execution-core/pkg/types"
)

// predicate is a compiled boolean expression
type predicate func(tx *types.TransactionData) bool

// SetResolver returns the members of a named set. Members are expected in
// lower case.
type SetResolver func(name string) (map[string]struct{}, bool)

// compiler turns a typed tree into closures, resolving named sets once
type compiler struct {
	sets    SetResolver
	setRefs []string
}

func (c *compiler) compileBool(n node) (predicate, error) {
	switch n := n.(type) {
	case *boolLit:
		v := n.value
		return func(*types.TransactionData) bool { return v }, nil

	case *notNode:
		inner, err := c.compileBool(n.operand)
		if err != nil {
			return nil, err
		}
		return func(tx *types.TransactionData) bool { return !inner(tx) }, nil

	case *logicalNode:
		left, err := c.compileBool(n.left)
		if err != nil {
			return nil, err
		}
		right, err := c.compileBool(n.right)
		if err != nil {
			return nil, err
		}
		if n.op == tokAnd {
			return func(tx *types.TransactionData) bool { return left(tx) && right(tx) }, nil
		}
		return func(tx *types.TransactionData) bool { return left(tx) || right(tx) }, nil

	case *compareNode:
		return c.compileComparison(n)

	case *inNode:
		return c.compileMembership(n)

	default:
		return nil, fmt.Errorf("%w: %T is not a boolean expression", ErrType, n)
	}
}

func (c *compiler) compileComparison(n *compareNode) (predicate, error) {
	switch n.left.kind() {
	case kindNumber:
		left, right := compileNumber(n.left), compileNumber(n.right)
		var test func(cmp int) bool
		switch n.op {
		case tokEQ:
			test = func(cmp int) bool { return cmp == 0 }
		case tokNE:
			test = func(cmp int) bool { return cmp != 0 }
		case tokGT:
			test = func(cmp int) bool { return cmp > 0 }
		case tokGE:
			test = func(cmp int) bool { return cmp >= 0 }
		case tokLT:
			test = func(cmp int) bool { return cmp < 0 }
		case tokLE:
			test = func(cmp int) bool { return cmp <= 0 }
		}
		return func(tx *types.TransactionData) bool {
			return test(left(tx).Cmp(right(tx)))
		}, nil

	case kindString:
		left, right := compileString(n.left), compileString(n.right)
		if n.op == tokNE {
			return func(tx *types.TransactionData) bool { return left(tx) != right(tx) }, nil
		}
		return func(tx *types.TransactionData) bool { return left(tx) == right(tx) }, nil

	default:
		left, err := c.compileBool(n.left)
		if err != nil {
			return nil, err
		}
		right, err := c.compileBool(n.right)
		if err != nil {
			return nil, err
		}
		if n.op == tokNE {
			return func(tx *types.TransactionData) bool { return left(tx) != right(tx) }, nil
		}
		return func(tx *types.TransactionData) bool { return left(tx) == right(tx) }, nil
	}
}

func (c *compiler) compileMembership(n *inNode) (predicate, error) {
	members, err := c.resolveMembers(n)
	if err != nil {
		return nil, err
	}

	var key stringGetter
	if n.operand.kind() == kindNumber {
		num := compileNumber(n.operand)
		key = func(tx *types.TransactionData) string { return num(tx).String() }
	} else {
		key = compileString(n.operand)
	}

	negate := n.negate
	return func(tx *types.TransactionData) bool {
		_, found := members[key(tx)]
		return found != negate
	}, nil
}

// resolveMembers snapshots the set a membership test refers to. Numbers are
// keyed by their canonical decimal form.
func (c *compiler) resolveMembers(n *inNode) (map[string]struct{}, error) {
	if n.setName != "" {
		if c.sets == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSet, n.setName)
		}
		members, ok := c.sets(n.setName)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSet, n.setName)
		}
		c.setRefs = append(c.setRefs, n.setName)
		return members, nil
	}

	members := make(map[string]struct{}, len(n.literals))
	for _, item := range n.literals {
		if n.operand.kind() == kindString {
			members[strings.ToLower(item.text)] = struct{}{}
			continue
		}
		if item.kind != tokNumber {
			return nil, fmt.Errorf("%w: set item %q at %d is not a number", ErrType, item.text, item.pos)
		}
		lit, err := parseNumber(item)
		if err != nil {
			return nil, err
		}
		members[lit.value.String()] = struct{}{}
	}
	return members, nil
}

func compileNumber(n node) numberGetter {
	switch n := n.(type) {
	case *fieldNode:
		return n.f.num
	case *numberLit:
		v := n.value
		return func(*types.TransactionData) decimal.Decimal { return v }
	}
	// unreachable for a type-checked tree
	return func(*types.TransactionData) decimal.Decimal { return decimal.Zero }
}

func compileString(n node) stringGetter {
	switch n := n.(type) {
	case *fieldNode:
		return n.f.str
	case *stringLit:
		v := n.value
		return func(*types.TransactionData) string { return v }
	}
	return func(*types.TransactionData) string { return "" }
}
