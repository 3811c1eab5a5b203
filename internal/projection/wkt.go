package projection

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// node is one KEYWORD[...] element of a WKT definition.
type node struct {
	keyword  string
	values   []string // quoted strings and numbers, in order
	children []*node
}

func (n *node) child(keyword string) *node {
	for _, c := range n.children {
		if strings.EqualFold(c.keyword, keyword) {
			return c
		}
	}
	return nil
}

func (n *node) name() string {
	if len(n.values) == 0 {
		return ""
	}
	return n.values[0]
}

func (n *node) number(i int) (float64, error) {
	if i >= len(n.values) {
		return 0, fmt.Errorf("%s: missing value %d", n.keyword, i)
	}
	f, err := strconv.ParseFloat(n.values[i], 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", n.keyword, err)
	}
	return f, nil
}

// parameters collects PARAMETER["name",value] children keyed by lower-cased name.
func (n *node) parameters() (map[string]float64, error) {
	params := make(map[string]float64)
	for _, c := range n.children {
		if !strings.EqualFold(c.keyword, "PARAMETER") {
			continue
		}
		v, err := c.number(1)
		if err != nil {
			return nil, err
		}
		params[strings.ToLower(c.name())] = v
	}
	return params, nil
}

type wktParser struct {
	src string
	pos int
}

func parseWKT(src string) (*node, error) {
	p := &wktParser{src: src}
	n, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("unexpected trailing input at offset %d", p.pos)
	}
	return n, nil
}

func (p *wktParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *wktParser) parseNode() (*node, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && (isKeywordChar(p.src[p.pos])) {
		p.pos++
	}
	if start == p.pos {
		return nil, fmt.Errorf("expected keyword at offset %d", p.pos)
	}
	n := &node{keyword: strings.ToUpper(p.src[start:p.pos])}

	p.skipSpace()
	if p.pos >= len(p.src) || (p.src[p.pos] != '[' && p.src[p.pos] != '(') {
		return nil, fmt.Errorf("expected '[' after %s", n.keyword)
	}
	closer := byte(']')
	if p.src[p.pos] == '(' {
		closer = ')'
	}
	p.pos++

	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, fmt.Errorf("unterminated %s", n.keyword)
		}

		switch c := p.src[p.pos]; {
		case c == closer:
			p.pos++
			return n, nil
		case c == ',':
			p.pos++
		case c == '"':
			s, err := p.parseString()
			if err != nil {
				return nil, err
			}
			n.values = append(n.values, s)
		case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
			n.values = append(n.values, p.parseNumber())
		case isKeywordChar(c):
			// bare enum values such as AXIS["Easting",EAST] have no brackets
			if child, ok := p.tryNode(); ok {
				n.children = append(n.children, child)
			} else {
				n.values = append(n.values, p.parseBare())
			}
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
		}
	}
}

func (p *wktParser) tryNode() (*node, bool) {
	save := p.pos
	for p.pos < len(p.src) && isKeywordChar(p.src[p.pos]) {
		p.pos++
	}
	p.skipSpace()
	isNode := p.pos < len(p.src) && (p.src[p.pos] == '[' || p.src[p.pos] == '(')
	p.pos = save
	if !isNode {
		return nil, false
	}
	child, err := p.parseNode()
	if err != nil {
		p.pos = save
		return nil, false
	}
	return child, true
}

func (p *wktParser) parseString() (string, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		p.pos++
		if c == '"' {
			// doubled quote escapes a quote
			if p.pos < len(p.src) && p.src[p.pos] == '"' {
				b.WriteByte('"')
				p.pos++
				continue
			}
			return b.String(), nil
		}
		b.WriteByte(c)
	}
	return "", fmt.Errorf("unterminated string")
}

func (p *wktParser) parseNumber() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *wktParser) parseBare() string {
	start := p.pos
	for p.pos < len(p.src) && isKeywordChar(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func isKeywordChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
