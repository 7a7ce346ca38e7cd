package layers

import (
	"encoding/json"
	"fmt"
)

const (
	kindLayer = "layer"
	kindGroup = "group"
)

// NodeSnapshot: сериализуемое представление узла дерева.
type NodeSnapshot struct {
	Kind       string         `json:"kind"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	DocumentID string         `json:"document_id,omitempty"`
	Visible    bool           `json:"visible"`
	Children   []NodeSnapshot `json:"children,omitempty"`
}

// Snapshot: всё дерево слоёв.
type Snapshot struct {
	Roots []NodeSnapshot `json:"roots"`
}

// Snapshot снимает копию структуры дерева для сохранения или API.
func (t *Tree) Snapshot() Snapshot {
	snap := Snapshot{Roots: make([]NodeSnapshot, 0, len(t.roots))}
	for _, n := range t.roots {
		snap.Roots = append(snap.Roots, snapshotNode(n))
	}
	return snap
}

func snapshotNode(n Node) NodeSnapshot {
	switch node := n.(type) {
	case *Layer:
		return NodeSnapshot{
			Kind:       kindLayer,
			ID:         node.ID,
			Name:       node.Name,
			DocumentID: node.DocumentID,
			Visible:    node.Visible,
		}
	case *Group:
		s := NodeSnapshot{
			Kind:    kindGroup,
			ID:      node.ID,
			Name:    node.Name,
			Visible: node.Visible,
		}
		for _, child := range node.Children {
			s.Children = append(s.Children, snapshotNode(child))
		}
		return s
	default:
		panic(fmt.Sprintf("layers: неизвестный тип узла %T", n))
	}
}

// Restore строит дерево из снимка. Ошибки структуры (дубли, неизвестный kind) возвращаются.
// Restore не вызывает refresher: новое дерево ещё никому не показано.
func Restore(snap Snapshot, refresher Refresher) (*Tree, error) {
	t := NewTree(nil)
	for i, s := range snap.Roots {
		n, err := restoreNode(s)
		if err != nil {
			return nil, fmt.Errorf("корень %d: %w", i, err)
		}
		if err := t.AddNode("", -1, n); err != nil {
			return nil, err
		}
	}
	t.refresher = refresher
	return t, nil
}

func restoreNode(s NodeSnapshot) (Node, error) {
	switch s.Kind {
	case kindLayer:
		if len(s.Children) > 0 {
			return nil, fmt.Errorf("слой %s не может иметь детей", s.ID)
		}
		return &Layer{ID: s.ID, Name: s.Name, DocumentID: s.DocumentID, Visible: s.Visible}, nil
	case kindGroup:
		g := &Group{ID: s.ID, Name: s.Name, Visible: s.Visible}
		for _, cs := range s.Children {
			child, err := restoreNode(cs)
			if err != nil {
				return nil, err
			}
			g.Children = append(g.Children, child)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("неизвестный тип узла %q (id %s)", s.Kind, s.ID)
	}
}

// MarshalSnapshot кодирует снимок в JSON.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot разбирает JSON-снимок.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("ошибка разбора снимка дерева слоёв: %w", err)
	}
	return s, nil
}
