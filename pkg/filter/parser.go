package filter

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// node is an element of the typed operator tree
type node interface {
	kind() valueKind
}

type (
	fieldNode struct {
		f field
	}

	numberLit struct {
		value decimal.Decimal
		text  string
		hex   bool
	}

	stringLit struct {
		value string
	}

	boolLit struct {
		value bool
	}

	compareNode struct {
		op          tokenKind
		left, right node
	}

	logicalNode struct {
		op          tokenKind
		left, right node
	}

	notNode struct {
		operand node
	}

	// inNode tests membership of operand in either a named set or a literal list
	inNode struct {
		negate   bool
		operand  node
		setName  string
		literals []token
	}
)

func (n *fieldNode) kind() valueKind   { return n.f.kind }
func (n *numberLit) kind() valueKind   { return kindNumber }
func (n *stringLit) kind() valueKind   { return kindString }
func (n *boolLit) kind() valueKind     { return kindBool }
func (n *compareNode) kind() valueKind { return kindBool }
func (n *logicalNode) kind() valueKind { return kindBool }
func (n *notNode) kind() valueKind     { return kindBool }
func (n *inNode) kind() valueKind      { return kindBool }

type parser struct {
	tokens []token
	pos    int
}

// parse tokenizes and parses an expression into a type-checked tree
func parse(expr string) (node, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}

	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %s %q at %d", ErrSyntax, tok.kind, tok.text, tok.pos)
	}
	if root.kind() != kindBool {
		return nil, fmt.Errorf("%w: expression evaluates to %s, want bool", ErrType, root.kind())
	}

	return root, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+offset]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, fmt.Errorf("%w: expected %s at %d, got %s", ErrSyntax, kind, tok.pos, tok.kind)
	}
	return tok, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tokOr {
		op := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if err := requireBool(op, left, right); err != nil {
			return nil, err
		}
		left = &logicalNode{op: tokOr, left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tokAnd {
		op := p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if err := requireBool(op, left, right); err != nil {
			return nil, err
		}
		left = &logicalNode{op: tokAnd, left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		op := p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if err := requireBool(op, operand); err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch tok := p.peek(); tok.kind {
	case tokEQ, tokNE, tokGT, tokGE, tokLT, tokLE:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return newComparison(tok, left, right)

	case tokIn:
		p.next()
		return p.parseMembership(tok, left, false)

	case tokNot:
		if p.peekAt(1).kind == tokIn {
			p.next()
			p.next()
			return p.parseMembership(tok, left, true)
		}
	}

	return left, nil
}

func (p *parser) parseMembership(op token, operand node, negate bool) (node, error) {
	if operand.kind() == kindBool {
		return nil, fmt.Errorf("%w: %s at %d needs a number or string operand", ErrType, op.kind, op.pos)
	}

	in := &inNode{negate: negate, operand: operand}

	switch tok := p.next(); tok.kind {
	case tokIdent:
		in.setName = tok.text
	case tokLBracket:
		for {
			item := p.next()
			if item.kind != tokNumber && item.kind != tokString {
				return nil, fmt.Errorf("%w: set literal expects number or string at %d, got %s", ErrSyntax, item.pos, item.kind)
			}
			in.literals = append(in.literals, item)

			sep := p.next()
			if sep.kind == tokRBracket {
				break
			}
			if sep.kind != tokComma {
				return nil, fmt.Errorf("%w: expected ',' or ']' at %d, got %s", ErrSyntax, sep.pos, sep.kind)
			}
		}
	default:
		return nil, fmt.Errorf("%w: expected set name or list at %d, got %s", ErrSyntax, tok.pos, tok.kind)
	}

	return in, nil
}

func (p *parser) parseOperand() (node, error) {
	tok := p.next()

	switch tok.kind {
	case tokNumber:
		return parseNumber(tok)
	case tokString:
		return &stringLit{value: strings.ToLower(tok.text)}, nil
	case tokTrue:
		return &boolLit{value: true}, nil
	case tokFalse:
		return &boolLit{value: false}, nil
	case tokIdent:
		f, ok := lookupField(tok.text)
		if !ok {
			return nil, fmt.Errorf("%w: %q at %d", ErrUnknownField, tok.text, tok.pos)
		}
		return &fieldNode{f: f}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %s at %d", ErrSyntax, tok.kind, tok.pos)
	}
}

func parseNumber(tok token) (*numberLit, error) {
	text := strings.ReplaceAll(tok.text, "_", "")

	if len(text) > 2 && (text[1] == 'x' || text[1] == 'X') {
		v, ok := new(big.Int).SetString(text[2:], 16)
		if !ok {
			return nil, fmt.Errorf("%w: invalid hex number %q at %d", ErrSyntax, tok.text, tok.pos)
		}
		return &numberLit{value: decimal.NewFromBigInt(v, 0), text: strings.ToLower(text), hex: true}, nil
	}

	v, err := decimal.NewFromString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid number %q at %d", ErrSyntax, tok.text, tok.pos)
	}
	return &numberLit{value: v, text: text}, nil
}

// newComparison type-checks a relational node. A hex literal compared with a
// string field is treated as a string, so `to == 0xabc...` works unquoted.
func newComparison(op token, left, right node) (node, error) {
	left, right = coerceHex(left, right)

	if left.kind() != right.kind() {
		return nil, fmt.Errorf("%w: cannot compare %s with %s using %s at %d", ErrType, left.kind(), right.kind(), op.kind, op.pos)
	}

	switch op.kind {
	case tokGT, tokGE, tokLT, tokLE:
		if left.kind() != kindNumber {
			return nil, fmt.Errorf("%w: %s at %d needs numbers, got %s", ErrType, op.kind, op.pos, left.kind())
		}
	}

	return &compareNode{op: op.kind, left: left, right: right}, nil
}

func coerceHex(left, right node) (node, node) {
	if lit, ok := right.(*numberLit); ok && lit.hex && left.kind() == kindString {
		return left, &stringLit{value: lit.text}
	}
	if lit, ok := left.(*numberLit); ok && lit.hex && right.kind() == kindString {
		return &stringLit{value: lit.text}, right
	}
	return left, right
}

func requireBool(op token, operands ...node) error {
	for _, n := range operands {
		if n.kind() != kindBool {
			return fmt.Errorf("%w: %s at %d needs bool operands, got %s", ErrType, op.kind, op.pos, n.kind())
		}
	}
	return nil
}
