// ABOUTME: Recursive descent parser turning DOT-like source into the Graph model.
// ABOUTME: Handles graph attributes, node/edge defaults, node statements, and chained edge statements.
package attractor

import (
	"fmt"
)

type parser struct {
	tokens       []Token
	pos          int
	graph        *Graph
	nodeDefaults map[string]string
	edgeDefaults map[string]string
}

// Parse parses DOT-like source text into a Graph.
func Parse(input string) (*Graph, error) {
	tokens, err := Lex(input)
	if err != nil {
		return nil, fmt.Errorf("lex error: %w", err)
	}

	p := &parser{
		tokens: tokens,
		graph: &Graph{
			Nodes:        make(map[string]*Node),
			Edges:        make([]*Edge, 0),
			Attrs:        make(map[string]string),
			NodeDefaults: make(map[string]string),
			EdgeDefaults: make(map[string]string),
		},
		nodeDefaults: make(map[string]string),
		edgeDefaults: make(map[string]string),
	}

	if err := p.parseDigraph(); err != nil {
		return nil, err
	}
	return p.graph, nil
}

func (p *parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) peek(offset int) Token {
	idx := p.pos + offset
	if idx >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[idx]
}

func (p *parser) advance() Token {
	tok := p.current()
	p.pos++
	return tok
}

func (p *parser) expect(typ TokenType) (Token, error) {
	tok := p.current()
	if tok.Type != typ {
		return tok, fmt.Errorf("expected %v but got %v (%q) at line %d, col %d",
			typ, tok.Type, tok.Value, tok.Line, tok.Col)
	}
	p.advance()
	return tok, nil
}

func (p *parser) skipSemicolons() {
	for p.current().Type == TokenSemicolon {
		p.advance()
	}
}

// parseDigraph parses: 'digraph' Name? '{' Statement* '}'
func (p *parser) parseDigraph() error {
	kw := p.current()
	if kw.Type != TokenIdent || kw.Value != "digraph" {
		return fmt.Errorf("expected 'digraph' at line %d, col %d, got %q", kw.Line, kw.Col, kw.Value)
	}
	p.advance()

	if p.current().Type == TokenIdent || p.current().Type == TokenString {
		p.graph.Name = p.advance().Value
	}

	if _, err := p.expect(TokenLBrace); err != nil {
		return err
	}

	for p.current().Type != TokenRBrace && p.current().Type != TokenEOF {
		if err := p.parseStatement(); err != nil {
			return err
		}
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return err
	}

	if p.current().Type != TokenEOF {
		tok := p.current()
		return fmt.Errorf("unexpected trailing content %q at line %d, col %d", tok.Value, tok.Line, tok.Col)
	}
	return nil
}

// parseStatement dispatches on the statement head: graph/node/edge
// defaults, a graph attribute assignment, or a node/edge statement.
func (p *parser) parseStatement() error {
	p.skipSemicolons()
	tok := p.current()

	if tok.Type == TokenRBrace || tok.Type == TokenEOF {
		return nil
	}
	if tok.Type != TokenIdent && tok.Type != TokenString {
		return fmt.Errorf("unexpected %v (%q) at line %d, col %d", tok.Type, tok.Value, tok.Line, tok.Col)
	}

	if tok.Type == TokenIdent {
		switch tok.Value {
		case "graph":
			if p.peek(1).Type == TokenLBracket {
				p.advance()
				attrs, err := p.parseAttrBlock()
				if err != nil {
					return err
				}
				for k, v := range attrs {
					p.graph.Attrs[k] = v
				}
				p.skipSemicolons()
				return nil
			}
		case "node":
			if p.peek(1).Type == TokenLBracket {
				p.advance()
				attrs, err := p.parseAttrBlock()
				if err != nil {
					return err
				}
				for k, v := range attrs {
					p.nodeDefaults[k] = v
					p.graph.NodeDefaults[k] = v
				}
				p.skipSemicolons()
				return nil
			}
		case "edge":
			if p.peek(1).Type == TokenLBracket {
				p.advance()
				attrs, err := p.parseAttrBlock()
				if err != nil {
					return err
				}
				for k, v := range attrs {
					p.edgeDefaults[k] = v
					p.graph.EdgeDefaults[k] = v
				}
				p.skipSemicolons()
				return nil
			}
		case "subgraph":
			return fmt.Errorf("subgraph blocks are not supported (line %d)", tok.Line)
		}
	}

	// Graph attribute assignment: ID '=' value
	if p.peek(1).Type == TokenEquals {
		key := p.advance().Value
		p.advance() // '='
		val, err := p.parseValue()
		if err != nil {
			return err
		}
		p.graph.Attrs[key] = val
		p.skipSemicolons()
		return nil
	}

	return p.parseNodeOrEdge()
}

// parseNodeOrEdge parses `id [attrs]` or `a -> b -> c [attrs]`.
func (p *parser) parseNodeOrEdge() error {
	first := p.advance().Value
	ids := []string{first}

	for p.current().Type == TokenArrow {
		p.advance()
		tok := p.current()
		if tok.Type != TokenIdent && tok.Type != TokenString {
			return fmt.Errorf("expected node ID after '->' at line %d, col %d", tok.Line, tok.Col)
		}
		ids = append(ids, p.advance().Value)
	}

	var attrs map[string]string
	if p.current().Type == TokenLBracket {
		parsed, err := p.parseAttrBlock()
		if err != nil {
			return err
		}
		attrs = parsed
	}
	p.skipSemicolons()

	if len(ids) == 1 {
		p.declareNode(ids[0], attrs)
		return nil
	}

	// Edge statement: a chain a -> b -> c produces one edge per hop, each
	// carrying the statement's attribute block plus current edge defaults.
	for _, id := range ids {
		p.ensureNode(id)
	}
	for i := 0; i+1 < len(ids); i++ {
		edgeAttrs := copyAttrs(p.edgeDefaults)
		for k, v := range attrs {
			edgeAttrs[k] = v
		}
		p.graph.Edges = append(p.graph.Edges, &Edge{From: ids[i], To: ids[i+1], Attrs: edgeAttrs})
	}
	return nil
}

// declareNode records a node statement, layering defaults under explicit
// attributes. Re-declaring an existing node merges the new attributes in.
func (p *parser) declareNode(id string, attrs map[string]string) {
	node := p.ensureNode(id)
	for k, v := range attrs {
		node.Attrs[k] = v
	}
}

// ensureNode returns the node with the given ID, creating it with the
// current node defaults on first reference.
func (p *parser) ensureNode(id string) *Node {
	if n, ok := p.graph.Nodes[id]; ok {
		return n
	}
	n := &Node{ID: id, Attrs: copyAttrs(p.nodeDefaults)}
	p.graph.Nodes[id] = n
	return n
}

// parseAttrBlock parses '[' (key '=' value (','|';')? )* ']'
func (p *parser) parseAttrBlock() (map[string]string, error) {
	if _, err := p.expect(TokenLBracket); err != nil {
		return nil, err
	}

	attrs := make(map[string]string)
	for p.current().Type != TokenRBracket {
		if p.current().Type == TokenEOF {
			return nil, fmt.Errorf("unterminated attribute block")
		}

		keyTok := p.current()
		if keyTok.Type != TokenIdent && keyTok.Type != TokenString {
			return nil, fmt.Errorf("expected attribute name at line %d, col %d, got %q",
				keyTok.Line, keyTok.Col, keyTok.Value)
		}
		p.advance()

		if _, err := p.expect(TokenEquals); err != nil {
			return nil, err
		}

		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		attrs[keyTok.Value] = val

		for p.current().Type == TokenComma || p.current().Type == TokenSemicolon {
			p.advance()
		}
	}
	p.advance() // ']'
	return attrs, nil
}

// parseValue parses an attribute value: a quoted string or a bare token
// (identifier, integer, decimal, boolean, or duration literal). All
// values are stored verbatim as strings; typed accessors interpret them.
func (p *parser) parseValue() (string, error) {
	tok := p.current()
	if tok.Type != TokenIdent && tok.Type != TokenString {
		return "", fmt.Errorf("expected attribute value at line %d, col %d, got %v",
			tok.Line, tok.Col, tok.Type)
	}
	p.advance()
	return tok.Value, nil
}
