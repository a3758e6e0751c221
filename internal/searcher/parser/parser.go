// Package parser turns query strings into a boolean query tree.
//
// Grammar, keywords case-insensitive:
//
//	query   = or
//	or      = and { "OR" and }
//	and     = unary { ["AND"] unary }
//	unary   = "NOT" unary | primary
//	primary = word | word "*" | word "~" [digit] | `"` name `"` | "(" or ")"
//
// Adjacent terms without an operator are ANDed.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
)

// Mode selects the field a query runs against.
type Mode int

const (
	ModeFilename Mode = iota
	ModeContent
)

func (m Mode) String() string {
	if m == ModeContent {
		return "content"
	}
	return "filename"
}

// Field is the index field the mode searches.
func (m Mode) Field() index.Field {
	if m == ModeContent {
		return index.FieldContent
	}
	return index.FieldName
}

// ParseMode accepts "filename" (or "name") and "content".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "filename", "name":
		return ModeFilename, nil
	case "content":
		return ModeContent, nil
	default:
		return 0, fmt.Errorf("unknown query mode %q", s)
	}
}

// MaxFuzzyDistance bounds term~N.
const MaxFuzzyDistance = 2

type Op int

const (
	OpTerm Op = iota
	OpAnd
	OpOr
	OpNot
)

// Match is how a term leaf is resolved against the dictionary.
type Match int

const (
	// MatchExact requires every term in Terms at consecutive positions.
	MatchExact Match = iota
	// MatchPrefix expands Terms[0] to every dictionary term it prefixes.
	MatchPrefix
	// MatchFuzzy expands Terms[0] to terms within Distance edits.
	MatchFuzzy
	// MatchName requires the whole lower-cased file name to equal Terms[0].
	MatchName
)

func (m Match) String() string {
	switch m {
	case MatchPrefix:
		return "prefix"
	case MatchFuzzy:
		return "fuzzy"
	case MatchName:
		return "name"
	default:
		return "exact"
	}
}

// Node is one element of the query tree. Leaves have Op == OpTerm.
type Node struct {
	Op       Op
	Children []*Node
	Match    Match
	Terms    []string
	Distance int
	// Raw is the lower-cased word as typed, used for name bonuses.
	Raw string
}

// Query is a parsed query. Root is nil when every word normalized away
// (content stop words), which matches nothing.
type Query struct {
	Raw  string
	Mode Mode
	Root *Node
}

// String renders the tree canonically; equal queries render equally.
func (q *Query) String() string {
	if q.Root == nil {
		return q.Mode.String() + ":()"
	}
	return q.Mode.String() + ":" + q.Root.String()
}

func (n *Node) String() string {
	switch n.Op {
	case OpAnd, OpOr:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = c.String()
		}
		op := "AND"
		if n.Op == OpOr {
			op = "OR"
		}
		return "(" + strings.Join(parts, " "+op+" ") + ")"
	case OpNot:
		return "NOT " + n.Children[0].String()
	}
	switch n.Match {
	case MatchPrefix:
		return n.Terms[0] + "*"
	case MatchFuzzy:
		return n.Terms[0] + "~" + strconv.Itoa(n.Distance)
	case MatchName:
		return strconv.Quote(n.Terms[0])
	default:
		return strings.Join(n.Terms, "+")
	}
}

// Leaves returns the positive term leaves (those not under a NOT).
func (n *Node) Leaves() []*Node {
	if n == nil {
		return nil
	}
	switch n.Op {
	case OpTerm:
		return []*Node{n}
	case OpNot:
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		out = append(out, c.Leaves()...)
	}
	return out
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var toks []token
	rs := []rune(input)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '"':
			end := i + 1
			for end < len(rs) && rs[end] != '"' {
				end++
			}
			if end >= len(rs) {
				return nil, apperrors.Syntaxf("unterminated quote at %d", i)
			}
			toks = append(toks, token{kind: tokQuoted, text: string(rs[i+1 : end]), pos: i})
			i = end + 1
		default:
			start := i
			for i < len(rs) && !unicode.IsSpace(rs[i]) && rs[i] != '(' && rs[i] != ')' && rs[i] != '"' {
				i++
			}
			word := string(rs[start:i])
			kind := tokWord
			switch strings.ToUpper(word) {
			case "AND":
				kind = tokAnd
			case "OR":
				kind = tokOr
			case "NOT":
				kind = tokNot
			}
			toks = append(toks, token{kind: kind, text: word, pos: start})
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

type parser struct {
	toks []token
	pos  int
	mode Mode
}

// Parse parses input for mode. Malformed input returns an error wrapping
// apperrors.ErrQuerySyntax.
func Parse(input string, mode Mode) (*Query, error) {
	if strings.TrimSpace(input) == "" {
		return nil, apperrors.Syntaxf("empty query")
	}
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, mode: mode}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, apperrors.Syntaxf("unexpected %q at %d", t.text, t.pos)
	}
	if root != nil && len(root.Leaves()) == 0 {
		return nil, apperrors.Syntaxf("query has only negated terms")
	}
	return &Query{Raw: input, Mode: mode, Root: root}, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for p.peek().kind == tokOr {
		op := p.next()
		if !startsOperand(p.peek().kind) {
			return nil, apperrors.Syntaxf("dangling %s at %d", strings.ToUpper(op.text), op.pos)
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	return combine(OpOr, children), nil
}

func (p *parser) parseAnd() (*Node, error) {
	if t := p.peek(); t.kind == tokAnd || t.kind == tokOr {
		return nil, apperrors.Syntaxf("dangling %s at %d", strings.ToUpper(t.text), t.pos)
	}
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for {
		t := p.peek()
		if t.kind == tokAnd {
			p.next()
			if !startsOperand(p.peek().kind) {
				return nil, apperrors.Syntaxf("dangling AND at %d", t.pos)
			}
		} else if !startsOperand(t.kind) {
			break
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	return combine(OpAnd, children), nil
}

func (p *parser) parseUnary() (*Node, error) {
	t := p.peek()
	if t.kind == tokNot {
		p.next()
		if !startsOperand(p.peek().kind) {
			return nil, apperrors.Syntaxf("dangling NOT at %d", t.pos)
		}
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, nil
		}
		return &Node{Op: OpNot, Children: []*Node{child}}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		if p.peek().kind == tokRParen {
			return nil, apperrors.Syntaxf("empty group at %d", t.pos)
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, apperrors.Syntaxf("missing ) for ( at %d", t.pos)
		}
		return n, nil
	case tokQuoted:
		return p.quoted(t)
	case tokWord:
		return p.word(t)
	case tokEOF:
		return nil, apperrors.Syntaxf("unexpected end of query")
	default:
		return nil, apperrors.Syntaxf("unexpected %q at %d", t.text, t.pos)
	}
}

func startsOperand(k tokenKind) bool {
	return k == tokWord || k == tokQuoted || k == tokNot || k == tokLParen
}

// combine drops children that normalized away and collapses single-child
// groups. A NOT cannot stand alone under OR, so an OR keeps it as is.
func combine(op Op, children []*Node) *Node {
	kept := children[:0]
	for _, c := range children {
		if c != nil {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &Node{Op: op, Children: kept}
}

func (p *parser) quoted(t token) (*Node, error) {
	name := strings.ToLower(strings.TrimSpace(t.text))
	if name == "" {
		return nil, apperrors.Syntaxf("empty quoted name at %d", t.pos)
	}
	if p.mode == ModeContent {
		terms := normalize(ModeContent, name)
		if len(terms) == 0 {
			return nil, nil
		}
		return &Node{Op: OpTerm, Match: MatchExact, Terms: terms, Raw: name}, nil
	}
	return &Node{Op: OpTerm, Match: MatchName, Terms: []string{name}, Raw: name}, nil
}

func (p *parser) word(t token) (*Node, error) {
	text := t.text
	switch {
	case strings.HasSuffix(text, "*"):
		stem := strings.ToLower(strings.TrimSuffix(text, "*"))
		if stem == "" || strings.ContainsAny(stem, "*~") {
			return nil, apperrors.Syntaxf("empty prefix at %d", t.pos)
		}
		if p.mode == ModeContent {
			return nil, apperrors.Syntaxf("prefix %q is only supported in filename mode", text)
		}
		return &Node{Op: OpTerm, Match: MatchPrefix, Terms: []string{stem}, Raw: stem}, nil

	case strings.Contains(text, "~"):
		idx := strings.LastIndex(text, "~")
		stem := strings.ToLower(text[:idx])
		if stem == "" || strings.ContainsAny(stem, "*~") {
			return nil, apperrors.Syntaxf("empty fuzzy term at %d", t.pos)
		}
		dist := 1
		if suffix := text[idx+1:]; suffix != "" {
			d, err := strconv.Atoi(suffix)
			if err != nil || d < 1 || d > MaxFuzzyDistance {
				return nil, apperrors.Syntaxf("bad fuzzy distance %q, want 1..%d", suffix, MaxFuzzyDistance)
			}
			dist = d
		}
		if p.mode == ModeContent {
			return nil, apperrors.Syntaxf("fuzzy %q is only supported in filename mode", text)
		}
		return &Node{Op: OpTerm, Match: MatchFuzzy, Terms: []string{stem}, Distance: dist, Raw: stem}, nil
	}

	terms := normalize(p.mode, text)
	if len(terms) == 0 {
		return nil, nil
	}
	return &Node{Op: OpTerm, Match: MatchExact, Terms: terms, Raw: strings.ToLower(text)}, nil
}

// normalize runs a word through the same pipeline the indexer uses for the
// mode's field, so compound words become the consecutive terms they were
// indexed as.
func normalize(mode Mode, word string) []string {
	if mode == ModeFilename {
		return tokenizer.NameParts(word)
	}
	tokens := tokenizer.Tokenize(word)
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	return terms
}
