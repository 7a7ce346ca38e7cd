package layers

import (
	"errors"
	"fmt"
	"iter"
)

var (
	ErrNodeNotFound = errors.New("узел слоя не найден")
	ErrNodeAttached = errors.New("узел уже находится в дереве")
	ErrDuplicateID  = errors.New("дублирующийся идентификатор узла")
	ErrReservedID   = errors.New("пустой или зарезервированный идентификатор узла")
	ErrCycle        = errors.New("группу нельзя переместить внутрь самой себя")
	ErrNotALayer    = errors.New("узел не является слоем")
	ErrNotAGroup    = errors.New("узел не является группой")
)

// Refresher получает сигнал о структурном изменении дерева.
type Refresher interface {
	RequestRefresh()
}

// Tree: упорядоченный лес слоёв и групп.
// Порядок корней и детей: порядок приоритета: раньше значит выше.
// Дерево не потокобезопасно, доступ сериализует владелец сессии.
type Tree struct {
	roots     []Node
	index     map[string]Node
	refresher Refresher
}

// NewTree создаёт пустое дерево. refresher может быть nil и задан позже.
func NewTree(refresher Refresher) *Tree {
	return &Tree{
		index:     make(map[string]Node),
		refresher: refresher,
	}
}

// SetRefresher подключает получателя сигналов об изменениях.
func (t *Tree) SetRefresher(r Refresher) {
	t.refresher = r
}

func (t *Tree) requestRefresh() {
	if t.refresher != nil {
		t.refresher.RequestRefresh()
	}
}

// Roots возвращает копию списка корневых узлов
func (t *Tree) Roots() []Node {
	out := make([]Node, len(t.roots))
	copy(out, t.roots)
	return out
}

// Len возвращает общее число узлов в дереве
func (t *Tree) Len() int { return len(t.index) }

// Find ищет узел по идентификатору
func (t *Tree) Find(id string) (Node, bool) {
	n, ok := t.index[id]
	return n, ok
}

// Layer возвращает листовой слой по идентификатору
func (t *Tree) Layer(id string) (*Layer, error) {
	n, ok := t.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	l, ok := n.(*Layer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotALayer, id)
	}
	return l, nil
}

// Parent возвращает группу-родителя; nil для корневого узла.
func (t *Tree) Parent(id string) (*Group, error) {
	n, ok := t.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n.attachment().parent, nil
}

// AddNode вставляет узел (вместе с поддеревом) в группу parentID или в корень при parentID == "".
// index вне диапазона означает вставку в конец.
func (t *Tree) AddNode(parentID string, index int, n Node) error {
	if n == nil {
		return fmt.Errorf("%w: nil", ErrReservedID)
	}
	siblings, parent, err := t.container(parentID)
	if err != nil {
		return err
	}
	if err := t.validateNew(n); err != nil {
		return err
	}

	insertAt(siblings, index, n)
	t.attach(n, parent)
	t.requestRefresh()
	return nil
}

// RemoveNode удаляет узел и всё его поддерево.
func (t *Tree) RemoveNode(id string) (Node, error) {
	n, ok := t.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	removeFrom(t.siblingsOf(n), n)
	t.detach(n)
	t.requestRefresh()
	return n, nil
}

// MoveNode переносит узел в группу parentID ("": корень) на позицию index.
// Позиция считается после изъятия узла со старого места.
func (t *Tree) MoveNode(id, parentID string, index int) error {
	n, ok := t.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	target, parent, err := t.container(parentID)
	if err != nil {
		return err
	}
	if g, isGroup := n.(*Group); isGroup && parent != nil && (parent == g || contains(g, parent)) {
		return ErrCycle
	}

	removeFrom(t.siblingsOf(n), n)
	insertAt(target, index, n)
	n.attachment().parent = parent
	t.requestRefresh()
	return nil
}

// SetVisible меняет флаг видимости узла. Невидимая группа скрывает всех потомков.
func (t *Tree) SetVisible(id string, visible bool) error {
	n, ok := t.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.setVisible(visible)
	t.requestRefresh()
	return nil
}

// Rename меняет отображаемое имя узла. На композицию не влияет.
func (t *Tree) Rename(id, name string) error {
	switch n := t.index[id].(type) {
	case *Layer:
		n.Name = name
	case *Group:
		n.Name = name
	case nil:
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	default:
		panic(fmt.Sprintf("layers: неизвестный тип узла %T", n))
	}
	return nil
}

// VisibleLayers возвращает видимые слои в порядке приоритета (pre-order DFS).
// Невидимый узел пропускается вместе с поддеревом. Последовательность ленивая и
// перезапускаемая: каждый вызов обходит текущее состояние дерева заново.
func (t *Tree) VisibleLayers() iter.Seq[*Layer] {
	return t.walk(true)
}

// AllLayers возвращает все слои в порядке дерева независимо от видимости.
func (t *Tree) AllLayers() iter.Seq[*Layer] {
	return t.walk(false)
}

// VisibleLayerList материализует VisibleLayers.
func (t *Tree) VisibleLayerList() []*Layer {
	var out []*Layer
	for l := range t.VisibleLayers() {
		out = append(out, l)
	}
	return out
}

// SubtreeLayers возвращает слои поддерева n (включая сам n, если это слой)
// в порядке дерева. Годится и для узла, уже изъятого из дерева.
func SubtreeLayers(n Node) []*Layer {
	var out []*Layer
	for l := range walkNodes([]Node{n}, false) {
		out = append(out, l)
	}
	return out
}

func (t *Tree) walk(onlyVisible bool) iter.Seq[*Layer] {
	return walkNodes(t.roots, onlyVisible)
}

func walkNodes(roots []Node, onlyVisible bool) iter.Seq[*Layer] {
	return func(yield func(*Layer) bool) {
		// явный стек вместо рекурсии: глубина вложенности групп не ограничена
		stack := make([]Node, 0, len(roots))
		for i := len(roots) - 1; i >= 0; i-- {
			stack = append(stack, roots[i])
		}

		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			switch node := n.(type) {
			case *Layer:
				if onlyVisible && !node.Visible {
					continue
				}
				if !yield(node) {
					return
				}
			case *Group:
				if onlyVisible && !node.Visible {
					continue
				}
				for i := len(node.Children) - 1; i >= 0; i-- {
					stack = append(stack, node.Children[i])
				}
			default:
				panic(fmt.Sprintf("layers: неизвестный тип узла %T", n))
			}
		}
	}
}

// container возвращает список, в который вставляются дети parentID.
func (t *Tree) container(parentID string) (*[]Node, *Group, error) {
	if parentID == "" {
		return &t.roots, nil, nil
	}
	n, ok := t.index[parentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	g, ok := n.(*Group)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotAGroup, parentID)
	}
	return &g.Children, g, nil
}

func (t *Tree) siblingsOf(n Node) *[]Node {
	if parent := n.attachment().parent; parent != nil {
		return &parent.Children
	}
	return &t.roots
}

// validateNew проверяет, что поддерево n ещё не в дереве и идентификаторы уникальны.
func (t *Tree) validateNew(n Node) error {
	seen := make(map[string]struct{})
	var check func(Node) error
	check = func(node Node) error {
		id := node.NodeID()
		if id == "" || id == BaseLayerID {
			return fmt.Errorf("%w: %q", ErrReservedID, id)
		}
		if node.attachment().attached {
			return fmt.Errorf("%w: %s", ErrNodeAttached, id)
		}
		if _, exists := t.index[id]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}

		if g, ok := node.(*Group); ok {
			for _, child := range g.Children {
				if child == nil {
					return fmt.Errorf("%w: nil в группе %s", ErrReservedID, id)
				}
				if err := check(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return check(n)
}

func (t *Tree) attach(n Node, parent *Group) {
	link := n.attachment()
	link.attached = true
	link.parent = parent
	t.index[n.NodeID()] = n

	if g, ok := n.(*Group); ok {
		for _, child := range g.Children {
			t.attach(child, g)
		}
	}
}

func (t *Tree) detach(n Node) {
	link := n.attachment()
	link.attached = false
	link.parent = nil
	delete(t.index, n.NodeID())

	if g, ok := n.(*Group); ok {
		for _, child := range g.Children {
			t.detach(child)
		}
	}
}

// contains проверяет, находится ли target в поддереве g.
func contains(g *Group, target *Group) bool {
	for p := target.link.parent; p != nil; p = p.link.parent {
		if p == g {
			return true
		}
	}
	return false
}

func insertAt(list *[]Node, index int, n Node) {
	if index < 0 || index >= len(*list) {
		*list = append(*list, n)
		return
	}
	*list = append(*list, nil)
	copy((*list)[index+1:], (*list)[index:])
	(*list)[index] = n
}

func removeFrom(list *[]Node, n Node) {
	for i, item := range *list {
		if item == n {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}
