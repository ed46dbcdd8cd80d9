package mapping

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

type nodeKind int

const (
	nodeLiteral nodeKind = iota
	nodeParam
	nodeOptional
)

type node struct {
	kind     nodeKind
	text     string // literal text or parameter name
	children []*node
	group    int    // capture index of an optional group
	flag     string // literal-only optional groups become a named flag
}

// Pattern is a compiled type expression such as "decimal[($precision,$scale)][unsigned]".
// "$name" declares a parameter, "[...]" an optional section. Literal-only
// optional sections are exposed as flags named after their words.
type Pattern struct {
	source string
	nodes  []*node
	re     *regexp.Regexp
	params []string
	flags  []string
	groups int
}

// Match is the result of matching a native type expression against a Pattern
type Match struct {
	Params map[string]string
	Flags  map[string]bool
}

// Int returns a numeric parameter
func (m *Match) Int(name string) (int64, bool) {
	v, ok := m.Params[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// CompilePattern parses a type expression pattern
func CompilePattern(expr string) (*Pattern, error) {
	p := &Pattern{source: strings.TrimSpace(expr)}
	src := []rune(strings.ToLower(p.source))
	pos := 0
	nodes, err := p.parseSeq(src, &pos, 0)
	if err != nil {
		return nil, err
	}
	if pos != len(src) {
		return nil, fmt.Errorf("unbalanced ']' in type expression %q", expr)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("empty type expression")
	}
	p.nodes = nodes

	var b strings.Builder
	b.WriteString(`^\s*`)
	p.writeRegexp(&b, nodes)
	b.WriteString(`\s*$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("type expression %q: %w", expr, err)
	}
	p.re = re
	return p, nil
}

func (p *Pattern) parseSeq(src []rune, pos *int, depth int) ([]*node, error) {
	var nodes []*node
	for *pos < len(src) {
		c := src[*pos]
		switch {
		case unicode.IsSpace(c):
			*pos++
		case c == '[':
			*pos++
			p.groups++
			n := &node{kind: nodeOptional, group: p.groups}
			children, err := p.parseSeq(src, pos, depth+1)
			if err != nil {
				return nil, err
			}
			if *pos >= len(src) || src[*pos] != ']' {
				return nil, fmt.Errorf("unterminated '[' in type expression %q", p.source)
			}
			*pos++
			n.children = children
			if !hasParam(children) {
				n.flag = literalWords(children)
				p.flags = append(p.flags, n.flag)
			}
			nodes = append(nodes, n)
		case c == ']':
			if depth == 0 {
				return nil, fmt.Errorf("unexpected ']' in type expression %q", p.source)
			}
			return nodes, nil
		case c == '$':
			*pos++
			start := *pos
			for *pos < len(src) && isWord(src[*pos]) {
				*pos++
			}
			if start == *pos {
				return nil, fmt.Errorf("empty parameter name in type expression %q", p.source)
			}
			name := string(src[start:*pos])
			p.params = append(p.params, name)
			nodes = append(nodes, &node{kind: nodeParam, text: name})
		case isWord(c):
			start := *pos
			for *pos < len(src) && isWord(src[*pos]) {
				*pos++
			}
			nodes = append(nodes, &node{kind: nodeLiteral, text: string(src[start:*pos])})
		default:
			*pos++
			nodes = append(nodes, &node{kind: nodeLiteral, text: string(c)})
		}
	}
	if depth > 0 {
		return nil, fmt.Errorf("unterminated '[' in type expression %q", p.source)
	}
	return nodes, nil
}

func (p *Pattern) writeRegexp(b *strings.Builder, nodes []*node) {
	for i, n := range nodes {
		if i > 0 {
			b.WriteString(`\s*`)
		}
		switch n.kind {
		case nodeLiteral:
			b.WriteString(regexp.QuoteMeta(n.text))
		case nodeParam:
			fmt.Fprintf(b, `(?P<%s>[^\s,()]+)`, n.text)
		case nodeOptional:
			fmt.Fprintf(b, `(?P<o%d>\s*`, n.group)
			p.writeRegexp(b, n.children)
			b.WriteString(`)?`)
		}
	}
}

// Source returns the pattern as declared
func (p *Pattern) Source() string { return p.source }

// Params returns parameter names in declaration order
func (p *Pattern) Params() []string { return p.params }

// HasParam reports whether the pattern declares the parameter
func (p *Pattern) HasParam(name string) bool {
	for _, n := range p.params {
		if n == name {
			return true
		}
	}
	return false
}

// HasFlag reports whether the pattern declares a literal optional section named flag
func (p *Pattern) HasFlag(flag string) bool {
	for _, f := range p.flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IsExact reports whether the pattern is a plain literal without parameters or options
func (p *Pattern) IsExact() bool {
	for _, n := range p.nodes {
		if n.kind != nodeLiteral {
			return false
		}
	}
	return true
}

// Canonical returns the normalized literal form used for exact lookups
func (p *Pattern) Canonical() string {
	return p.render(p.nodes, nil, nil)
}

// Match matches a native type expression
func (p *Pattern) Match(expr string) (*Match, bool) {
	sub := p.re.FindStringSubmatch(strings.ToLower(expr))
	if sub == nil {
		return nil, false
	}
	m := &Match{Params: map[string]string{}, Flags: map[string]bool{}}
	names := p.re.SubexpNames()
	groupFlags := map[string]string{}
	p.collectFlags(p.nodes, groupFlags)
	for i, name := range names {
		if name == "" || sub[i] == "" {
			continue
		}
		if flag, ok := groupFlags[name]; ok {
			m.Flags[flag] = true
			continue
		}
		if name[0] != 'o' || p.HasParam(name) {
			m.Params[name] = sub[i]
		}
	}
	return m, true
}

func (p *Pattern) collectFlags(nodes []*node, into map[string]string) {
	for _, n := range nodes {
		if n.kind != nodeOptional {
			continue
		}
		if n.flag != "" {
			into[fmt.Sprintf("o%d", n.group)] = n.flag
		}
		p.collectFlags(n.children, into)
	}
}

// Render produces a native type expression. Optional sections are emitted
// only when every parameter they contain is supplied, or for literal
// sections, when their flag is set. A missing mandatory parameter is an error.
func (p *Pattern) Render(params map[string]string, flags map[string]bool) (string, error) {
	for _, n := range p.nodes {
		if n.kind == nodeParam {
			if _, ok := params[n.text]; !ok {
				return "", fmt.Errorf("type expression %q requires parameter %s", p.source, n.text)
			}
		}
	}
	return p.render(p.nodes, params, flags), nil
}

func (p *Pattern) render(nodes []*node, params map[string]string, flags map[string]bool) string {
	var b strings.Builder
	for _, n := range nodes {
		var text string
		switch n.kind {
		case nodeLiteral:
			text = n.text
		case nodeParam:
			text = params[n.text]
		case nodeOptional:
			if n.flag != "" {
				if !flags[n.flag] {
					continue
				}
			} else if !paramsSupplied(n.children, params) {
				continue
			}
			text = p.render(n.children, params, flags)
		}
		if text == "" {
			continue
		}
		out := b.String()
		if len(out) > 0 {
			last := rune(out[len(out)-1])
			first := []rune(text)[0]
			if (isWord(last) || last == ')') && isWord(first) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(text)
	}
	return b.String()
}

func paramsSupplied(nodes []*node, params map[string]string) bool {
	// nested optional sections never block their parent
	for _, n := range nodes {
		if n.kind != nodeParam {
			continue
		}
		if _, ok := params[n.text]; !ok {
			return false
		}
	}
	return hasParam(nodes)
}

func hasParam(nodes []*node) bool {
	for _, n := range nodes {
		if n.kind == nodeParam {
			return true
		}
		if n.kind == nodeOptional && hasParam(n.children) {
			return true
		}
	}
	return false
}

func literalWords(nodes []*node) string {
	var words []string
	for _, n := range nodes {
		if n.kind == nodeLiteral && isWord([]rune(n.text)[0]) {
			words = append(words, n.text)
		}
	}
	return strings.Join(words, "_")
}

func isWord(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// Normalize lower-cases an expression and collapses whitespace
func Normalize(expr string) string {
	return strings.Join(strings.Fields(strings.ToLower(expr)), " ")
}
