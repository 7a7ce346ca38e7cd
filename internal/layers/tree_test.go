package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct{ n int }

func (c *countingRefresher) RequestRefresh() { c.n++ }

func layer(id string) *Layer {
	return &Layer{ID: id, Name: id, DocumentID: "doc-" + id, Visible: true}
}

func group(id string, children ...Node) *Group {
	return &Group{ID: id, Name: id, Visible: true, Children: children}
}

func ids(t *Tree) []string {
	var out []string
	for l := range t.VisibleLayers() {
		out = append(out, l.ID)
	}
	return out
}

// a, G{b, G2{c}, d}, e
func buildSample(t *testing.T, r Refresher) *Tree {
	t.Helper()
	tree := NewTree(r)
	require.NoError(t, tree.AddNode("", -1, layer("a")))
	require.NoError(t, tree.AddNode("", -1, group("G", layer("b"), group("G2", layer("c")), layer("d"))))
	require.NoError(t, tree.AddNode("", -1, layer("e")))
	return tree
}

func TestVisibleLayersPreOrder(t *testing.T) {
	tree := buildSample(t, nil)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(tree))
	assert.Equal(t, 7, tree.Len())
}

func TestInvisibleGroupHidesSubtree(t *testing.T) {
	tree := buildSample(t, nil)
	require.NoError(t, tree.SetVisible("G", false))
	assert.Equal(t, []string{"a", "e"}, ids(tree))

	// видимость детей не меняется, но скрыты они всё равно
	c, err := tree.Layer("c")
	require.NoError(t, err)
	assert.True(t, c.Visible)

	require.NoError(t, tree.SetVisible("G", true))
	require.NoError(t, tree.SetVisible("G2", false))
	assert.Equal(t, []string{"a", "b", "d", "e"}, ids(tree))
}

func TestVisibleLayersIsRestartableAndStopsEarly(t *testing.T) {
	tree := buildSample(t, nil)

	var first []string
	for l := range tree.VisibleLayers() {
		first = append(first, l.ID)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, first)

	require.NoError(t, tree.SetVisible("a", false))
	assert.Equal(t, []string{"b", "c", "d", "e"}, ids(tree))
}

func TestAllLayersIgnoresVisibility(t *testing.T) {
	tree := buildSample(t, nil)
	require.NoError(t, tree.SetVisible("G", false))

	var all []string
	for l := range tree.AllLayers() {
		all = append(all, l.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, all)
}

func TestEmptyTree(t *testing.T) {
	tree := NewTree(nil)
	assert.Empty(t, tree.VisibleLayerList())
	assert.Empty(t, tree.Roots())
}

func TestAddNodeRejectsAliasingAndDuplicates(t *testing.T) {
	tree := buildSample(t, nil)
	b, ok := tree.Find("b")
	require.True(t, ok)

	assert.ErrorIs(t, tree.AddNode("", -1, b), ErrNodeAttached)
	assert.ErrorIs(t, tree.AddNode("", -1, layer("a")), ErrDuplicateID)
	assert.ErrorIs(t, tree.AddNode("", -1, group("X", layer("y"), layer("y"))), ErrDuplicateID)
	assert.ErrorIs(t, tree.AddNode("", -1, layer(BaseLayerID)), ErrReservedID)
	assert.ErrorIs(t, tree.AddNode("", -1, layer("")), ErrReservedID)
	assert.ErrorIs(t, tree.AddNode("missing", 0, layer("z")), ErrNodeNotFound)
	assert.ErrorIs(t, tree.AddNode("a", 0, layer("z")), ErrNotAGroup)

	// отклонённые вставки ничего не меняют
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(tree))
}

func TestAddNodeAtIndex(t *testing.T) {
	tree := buildSample(t, nil)
	require.NoError(t, tree.AddNode("", 0, layer("top")))
	require.NoError(t, tree.AddNode("G", 1, layer("g1")))
	assert.Equal(t, []string{"top", "a", "b", "g1", "c", "d", "e"}, ids(tree))

	parent, err := tree.Parent("g1")
	require.NoError(t, err)
	assert.Equal(t, "G", parent.ID)
}

func TestRemoveNodeDetachesSubtree(t *testing.T) {
	tree := buildSample(t, nil)
	removed, err := tree.RemoveNode("G")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "e"}, ids(tree))
	assert.Equal(t, 2, tree.Len())

	_, ok := tree.Find("c")
	assert.False(t, ok)

	// удалённое поддерево можно вставить снова
	require.NoError(t, tree.AddNode("", 0, removed))
	assert.Equal(t, []string{"b", "c", "d", "a", "e"}, ids(tree))

	_, err = tree.RemoveNode("nope")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestSubtreeLayers(t *testing.T) {
	tree := buildSample(t, nil)
	require.NoError(t, tree.SetVisible("G2", false))

	removed, err := tree.RemoveNode("G")
	require.NoError(t, err)

	var got []string
	for _, l := range SubtreeLayers(removed) {
		got = append(got, l.ID)
	}
	assert.Equal(t, []string{"b", "c", "d"}, got, "видимость не учитывается")

	single, err := tree.RemoveNode("a")
	require.NoError(t, err)
	require.Len(t, SubtreeLayers(single), 1)
	assert.Equal(t, "doc-a", SubtreeLayers(single)[0].DocumentID)
}

func TestMoveNode(t *testing.T) {
	tree := buildSample(t, nil)

	require.NoError(t, tree.MoveNode("e", "", 0))
	assert.Equal(t, []string{"e", "a", "b", "c", "d"}, ids(tree))

	require.NoError(t, tree.MoveNode("a", "G2", 0))
	assert.Equal(t, []string{"e", "b", "a", "c", "d"}, ids(tree))

	assert.ErrorIs(t, tree.MoveNode("G", "G2", 0), ErrCycle)
	assert.ErrorIs(t, tree.MoveNode("G", "G", 0), ErrCycle)

	require.NoError(t, tree.MoveNode("G2", "", -1))
	assert.Equal(t, []string{"e", "b", "d", "a", "c"}, ids(tree))
}

func TestMutationsRequestRefresh(t *testing.T) {
	r := &countingRefresher{}
	tree := buildSample(t, r)
	assert.Equal(t, 3, r.n)

	require.NoError(t, tree.SetVisible("a", false))
	require.NoError(t, tree.MoveNode("a", "", -1))
	_, err := tree.RemoveNode("e")
	require.NoError(t, err)
	assert.Equal(t, 6, r.n)

	require.NoError(t, tree.Rename("a", "renamed"))
	assert.Equal(t, 6, r.n)

	// неудачные мутации не сигналят
	assert.Error(t, tree.SetVisible("missing", true))
	assert.Equal(t, 6, r.n)
}

func TestRename(t *testing.T) {
	tree := buildSample(t, nil)
	require.NoError(t, tree.Rename("G", "Roads"))
	n, _ := tree.Find("G")
	assert.Equal(t, "Roads", n.(*Group).Name)
	assert.ErrorIs(t, tree.Rename("missing", "x"), ErrNodeNotFound)
}

func TestSnapshotRoundTrip(t *testing.T) {
	tree := buildSample(t, nil)
	require.NoError(t, tree.SetVisible("G2", false))

	data, err := MarshalSnapshot(tree.Snapshot())
	require.NoError(t, err)
	snap, err := UnmarshalSnapshot(data)
	require.NoError(t, err)

	r := &countingRefresher{}
	restored, err := Restore(snap, r)
	require.NoError(t, err)
	assert.Equal(t, 0, r.n)
	assert.Equal(t, ids(tree), ids(restored))

	c, err := restored.Layer("c")
	require.NoError(t, err)
	assert.Equal(t, "doc-c", c.DocumentID)

	require.NoError(t, restored.SetVisible("G2", true))
	assert.Equal(t, 1, r.n)
}

func TestRestoreRejectsBadSnapshots(t *testing.T) {
	_, err := Restore(Snapshot{Roots: []NodeSnapshot{{Kind: "weird", ID: "x"}}}, nil)
	assert.Error(t, err)

	_, err = Restore(Snapshot{Roots: []NodeSnapshot{
		{Kind: kindLayer, ID: "x"},
		{Kind: kindLayer, ID: "x"},
	}}, nil)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestNewLayerGeneratesIDs(t *testing.T) {
	l := NewLayer("roads", "")
	assert.NotEmpty(t, l.ID)
	assert.NotEmpty(t, l.DocumentID)
	assert.True(t, l.Visible)

	g := NewGroup("g", l)
	assert.Len(t, g.Children, 1)
	assert.NotEqual(t, l.ID, g.ID)
}
