package stat

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// Node is a generic element of the statistics document.
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

func decodeTree(doc []byte) (*Node, error) {
	decoder := xml.NewDecoder(bytes.NewReader(doc))

	var root *Node
	var stack []*Node
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			node := &Node{Name: strings.ToLower(t.Name.Local)}
			if len(t.Attr) > 0 {
				node.Attrs = make(map[string]string, len(t.Attr))
				for _, attr := range t.Attr {
					node.Attrs[strings.ToLower(attr.Name.Local)] = attr.Value
				}
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			} else if root == nil {
				root = node
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("document has no root element")
	}
	if len(stack) > 0 {
		return nil, errors.New("document is truncated")
	}
	return root, nil
}

// Child returns the first direct child with the given name.
func (n *Node) Child(name string) *Node {
	for _, child := range n.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// ChildText returns the trimmed text of the first direct child named name.
func (n *Node) ChildText(name string) string {
	if child := n.Child(name); child != nil {
		return strings.TrimSpace(child.Text)
	}
	return ""
}

// Descendants collects every element below n with the given name, depth first.
func (n *Node) Descendants(name string) []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(cur *Node) {
		for _, child := range cur.Children {
			if child.Name == name {
				out = append(out, child)
			}
			walk(child)
		}
	}
	walk(n)
	return out
}

// Walk visits n and every element below it.
func (n *Node) Walk(visit func(*Node) bool) bool {
	if visit(n) {
		return true
	}
	for _, child := range n.Children {
		if child.Walk(visit) {
			return true
		}
	}
	return false
}
