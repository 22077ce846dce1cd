package filter

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokAnd
	tokOr
	tokNot
	tokIn
	tokTrue
	tokFalse
	tokEQ
	tokNE
	tokGT
	tokGE
	tokLT
	tokLE
)

var tokenNames = map[tokenKind]string{
	tokEOF:      "end of expression",
	tokIdent:    "identifier",
	tokNumber:   "number",
	tokString:   "string",
	tokLParen:   "'('",
	tokRParen:   "')'",
	tokLBracket: "'['",
	tokRBracket: "']'",
	tokComma:    "','",
	tokAnd:      "'&'",
	tokOr:       "'|'",
	tokNot:      "'!'",
	tokIn:       "'in'",
	tokTrue:     "'true'",
	tokFalse:    "'false'",
	tokEQ:       "'=='",
	tokNE:       "'!='",
	tokGT:       "'>'",
	tokGE:       "'>='",
	tokLT:       "'<'",
	tokLE:       "'<='",
}

func (k tokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(k))
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]tokenKind{
	"and":   tokAnd,
	"or":    tokOr,
	"not":   tokNot,
	"in":    tokIn,
	"true":  tokTrue,
	"false": tokFalse,
}

// tokenize splits an expression into tokens. The returned slice always ends
// with a tokEOF token.
func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0

	for i < len(expr) {
		c := expr[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			tokens = append(tokens, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			tokens = append(tokens, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++

		case c == '&' || c == '|':
			kind := tokAnd
			if c == '|' {
				kind = tokOr
			}
			// '&&' and '||' are accepted as aliases
			width := 1
			if i+1 < len(expr) && expr[i+1] == c {
				width = 2
			}
			tokens = append(tokens, token{kind: kind, text: expr[i : i+width], pos: i})
			i += width

		case c == '!':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokNE, text: "!=", pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tokNot, text: "!", pos: i})
				i++
			}

		case c == '=':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokEQ, text: "==", pos: i})
				i += 2
			} else {
				return nil, fmt.Errorf("%w: unexpected '=' at %d, use '=='", ErrSyntax, i)
			}

		case c == '>' || c == '<':
			kind := tokGT
			if c == '<' {
				kind = tokLT
			}
			if i+1 < len(expr) && expr[i+1] == '=' {
				kind++ // tokGE follows tokGT, tokLE follows tokLT
				tokens = append(tokens, token{kind: kind, text: expr[i : i+2], pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{kind: kind, text: expr[i : i+1], pos: i})
				i++
			}

		case c == '"' || c == '\'':
			end := strings.IndexByte(expr[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated string at %d", ErrSyntax, i)
			}
			tokens = append(tokens, token{kind: tokString, text: expr[i+1 : i+1+end], pos: i})
			i += end + 2

		case isDigit(c) || (c == '.' && i+1 < len(expr) && isDigit(expr[i+1])):
			start := i
			i = scanNumber(expr, i)
			tokens = append(tokens, token{kind: tokNumber, text: expr[start:i], pos: start})

		case isIdentStart(c):
			start := i
			for i < len(expr) && isIdentPart(expr[i]) {
				i++
			}
			word := expr[start:i]
			kind, ok := keywords[strings.ToLower(word)]
			if !ok {
				kind = tokIdent
			}
			tokens = append(tokens, token{kind: kind, text: word, pos: start})

		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrSyntax, c, i)
		}
	}

	tokens = append(tokens, token{kind: tokEOF, pos: len(expr)})
	return tokens, nil
}

// scanNumber returns the end offset of a decimal, exponent or 0x-hex literal
func scanNumber(expr string, i int) int {
	if expr[i] == '0' && i+1 < len(expr) && (expr[i+1] == 'x' || expr[i+1] == 'X') {
		i += 2
		for i < len(expr) && isHexDigit(expr[i]) {
			i++
		}
		return i
	}

	for i < len(expr) && (isDigit(expr[i]) || expr[i] == '.' || expr[i] == '_') {
		i++
	}
	if i < len(expr) && (expr[i] == 'e' || expr[i] == 'E') {
		j := i + 1
		if j < len(expr) && (expr[j] == '+' || expr[j] == '-') {
			j++
		}
		if j < len(expr) && isDigit(expr[j]) {
			i = j
			for i < len(expr) && isDigit(expr[i]) {
				i++
			}
		}
	}
	return i
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
