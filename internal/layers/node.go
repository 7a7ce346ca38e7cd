package layers

import (
	"github.com/google/uuid"
)

// BaseLayerID: зарезервированный идентификатор базового слоя (Base Store).
// Базовый слой не является узлом дерева: он всегда лежит ниже всех слоёв.
const BaseLayerID = "base"

// Node: узел дерева слоёв. Реализации закрыты: *Layer и *Group.
// Обход различает их через type switch, а не через виртуальные методы.
type Node interface {
	NodeID() string
	IsVisible() bool
	setVisible(bool)
	attachment() *link
}

// link хранит положение узла в дереве.
type link struct {
	attached bool
	parent   *Group
}

// Layer — листовой слой с данными переопределений в отдельном документе.
type Layer struct {
	ID         string
	Name       string
	DocumentID string
	Visible    bool

	link link
}

// Group — контейнер слоёв; только управляет видимостью потомков.
type Group struct {
	ID       string
	Name     string
	Visible  bool
	Children []Node

	link link
}

// NewLayer создаёт видимый слой. Пустой documentID заменяется новым UUID.
func NewLayer(name, documentID string) *Layer {
	if documentID == "" {
		documentID = uuid.NewString()
	}
	return &Layer{
		ID:         uuid.NewString(),
		Name:       name,
		DocumentID: documentID,
		Visible:    true,
	}
}

// NewGroup создаёт видимую группу с дочерними узлами в заданном порядке.
func NewGroup(name string, children ...Node) *Group {
	return &Group{
		ID:       uuid.NewString(),
		Name:     name,
		Visible:  true,
		Children: children,
	}
}

func (l *Layer) NodeID() string { return l.ID }
func (l *Layer) IsVisible() bool { return l.Visible }
func (l *Layer) setVisible(v bool) { l.Visible = v }
func (l *Layer) attachment() *link { return &l.link }
func (g *Group) NodeID() string { return g.ID }
func (g *Group) IsVisible() bool { return g.Visible }
func (g *Group) setVisible(v bool) { g.Visible = v }
func (g *Group) attachment() *link { return &g.link }
