package promptbuilder

import (
	"fmt"
	"strings"
	"text/scanner"
)

// render is the entire template engine: field-path substitution plus
// {{#each path}}...{{/each}} and {{#block path}}...{{/block}}. No
// conditionals, no helpers, no external dependency — the subset is
// intentionally this small.
func render(tmpl string, data map[string]any) (string, error) {
	nodes, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := renderNodes(nodes, data, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeField
	nodeEach
	nodeBlock
)

type node struct {
	kind     nodeKind
	text     string // nodeText
	path     string // nodeField/nodeEach/nodeBlock
	children []node // nodeEach/nodeBlock
}

// parseTemplate splits tmpl on "{{" / "}}" delimiters into a tree of nodes.
// Nesting of #each/#block is supported via an explicit stack.
func parseTemplate(tmpl string) ([]node, error) {
	type frame struct {
		kind     nodeKind
		path     string
		children []node
	}
	root := &frame{}
	stack := []*frame{root}

	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			top := stack[len(stack)-1]
			top.children = append(top.children, node{kind: nodeText, text: rest})
			break
		}
		if start > 0 {
			top := stack[len(stack)-1]
			top.children = append(top.children, node{kind: nodeText, text: rest[:start]})
		}
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return nil, fmt.Errorf("promptbuilder: unterminated {{ directive")
		}
		directive := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]

		switch {
		case strings.HasPrefix(directive, "#each "):
			path := strings.TrimSpace(strings.TrimPrefix(directive, "#each "))
			stack = append(stack, &frame{kind: nodeEach, path: path})
		case directive == "/each":
			if len(stack) < 2 || stack[len(stack)-1].kind != nodeEach {
				return nil, fmt.Errorf("promptbuilder: unmatched {{/each}}")
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			top := stack[len(stack)-1]
			top.children = append(top.children, node{kind: nodeEach, path: f.path, children: f.children})
		case strings.HasPrefix(directive, "#block"):
			path := strings.TrimSpace(strings.TrimPrefix(directive, "#block"))
			stack = append(stack, &frame{kind: nodeBlock, path: path})
		case directive == "/block":
			if len(stack) < 2 || stack[len(stack)-1].kind != nodeBlock {
				return nil, fmt.Errorf("promptbuilder: unmatched {{/block}}")
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			top := stack[len(stack)-1]
			top.children = append(top.children, node{kind: nodeBlock, path: f.path, children: f.children})
		default:
			top := stack[len(stack)-1]
			top.children = append(top.children, node{kind: nodeField, path: directive})
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("promptbuilder: unclosed {{#%s}} block", directiveKind(stack[len(stack)-1].kind))
	}
	return root.children, nil
}

func directiveKind(k nodeKind) string {
	if k == nodeEach {
		return "each"
	}
	return "block"
}

func renderNodes(nodes []node, data map[string]any, sb *strings.Builder) error {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			sb.WriteString(n.text)
		case nodeField:
			val, _ := resolvePath(data, n.path)
			if val != nil {
				fmt.Fprintf(sb, "%v", val)
			}
		case nodeEach:
			val, _ := resolvePath(data, n.path)
			items, ok := val.([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				child := childScope(data, item)
				if err := renderNodes(n.children, child, sb); err != nil {
					return err
				}
			}
		case nodeBlock:
			val, _ := resolvePath(data, n.path)
			if truthy(val) {
				if err := renderNodes(n.children, data, sb); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// childScope builds the data map visible inside an #each iteration: "this"
// refers to the current item, and if the item is itself a map its fields are
// promoted so {{field}} works without an explicit "this." prefix.
func childScope(parent map[string]any, item any) map[string]any {
	child := make(map[string]any, len(parent)+1)
	for k, v := range parent {
		child[k] = v
	}
	if m, ok := item.(map[string]any); ok {
		for k, v := range m {
			child[k] = v
		}
	}
	child["this"] = item
	return child
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// resolvePath splits expr on '.' using text/scanner (so "plan.title" tokenizes
// into the identifiers "plan" and "title", ignoring the separator rune) and
// walks data one level at a time.
func resolvePath(data map[string]any, expr string) (any, bool) {
	parts := splitPath(expr)
	if len(parts) == 0 {
		return nil, false
	}
	var cur any = data
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(expr string) []string {
	var sc scanner.Scanner
	sc.Init(strings.NewReader(expr))
	sc.Mode = scanner.ScanIdents
	sc.Error = func(*scanner.Scanner, string) {} // ignore runes outside identifiers, e.g. '.'

	var parts []string
	for tok := sc.Scan(); tok != scanner.EOF; tok = sc.Scan() {
		if tok == scanner.Ident {
			parts = append(parts, sc.TokenText())
		}
	}
	return parts
}
