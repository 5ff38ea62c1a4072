package resource

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNamespace() uuid.UUID {
	return uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
}

func addNode(t *testing.T, g *Graph, typ Type, key string, parent int) int {
	t.Helper()
	id, err := g.Add(&Node{
		Type:      typ,
		UUID:      UUIDFor(testNamespace(), key),
		Parent:    parent,
		SourceKey: key,
		State:     StateNotIndexed,
	})
	require.NoError(t, err)
	return id
}

func TestUUIDForIsStable(t *testing.T) {
	a := UUIDFor(testNamespace(), "journal:1")
	b := UUIDFor(testNamespace(), "journal:1")
	c := UUIDFor(testNamespace(), "journal:2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestAddIsIdempotentPerTypeAndUUID(t *testing.T) {
	g := NewGraph()
	first := addNode(t, g, TypeJournals, "journal:1", NoParent)
	second := addNode(t, g, TypeJournals, "journal:1", NoParent)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, g.Len())
}

func TestAddRejectsMissingParent(t *testing.T) {
	g := NewGraph()
	_, err := g.Add(&Node{Type: TypeArticles, UUID: uuid.New(), Parent: 7})
	assert.Error(t, err)
}

func TestAdvanceEnforcesStageOrder(t *testing.T) {
	g := NewGraph()
	j := addNode(t, g, TypeJournals, "journal:1", NoParent)

	// Cannot jump straight to Fetched
	err := g.Advance(j, StateFetched)
	assert.Error(t, err)

	require.NoError(t, g.Advance(j, StateIndexed))
	require.NoError(t, g.Advance(j, StateFetched))
	require.NoError(t, g.Advance(j, StatePushed))

	// No moving backwards
	assert.Error(t, g.Advance(j, StateIndexed))
}

func TestChildCannotOutrunParent(t *testing.T) {
	g := NewGraph()
	j := addNode(t, g, TypeJournals, "journal:1", NoParent)
	a := addNode(t, g, TypeArticles, "article:1", j)

	require.NoError(t, g.Advance(j, StateIndexed))
	require.NoError(t, g.Advance(a, StateIndexed))

	// Article may not be fetched before its journal
	assert.Error(t, g.Advance(a, StateFetched))

	require.NoError(t, g.Advance(j, StateFetched))
	require.NoError(t, g.Advance(a, StateFetched))

	// Nor pushed
	assert.Error(t, g.Advance(a, StatePushed))

	require.NoError(t, g.Advance(j, StatePushed))
	assert.NoError(t, g.Advance(a, StatePushed))
}

func TestMarkFailedRecordsError(t *testing.T) {
	g := NewGraph()
	j := addNode(t, g, TypeJournals, "journal:1", NoParent)

	g.MarkFailed(j, errors.New("gone upstream"))

	n := g.Node(j)
	assert.Equal(t, StateFailed, n.State)
	assert.Equal(t, "gone upstream", n.LastError)
}

func TestWalkTopologicalVisitsParentsFirst(t *testing.T) {
	g := NewGraph()
	j := addNode(t, g, TypeJournals, "journal:1", NoParent)
	a := addNode(t, g, TypeArticles, "article:1", j)
	f := addNode(t, g, TypeFiles, "file:1", a)
	addNode(t, g, TypeIssues, "issue:1", j)

	position := map[int]int{}
	order := 0
	g.WalkTopological(func(id int, n *Node) bool {
		position[id] = order
		order++
		return true
	})

	assert.Less(t, position[j], position[a])
	assert.Less(t, position[a], position[f])
	assert.Len(t, position, 4)
}

func TestLineage(t *testing.T) {
	g := NewGraph()
	j := addNode(t, g, TypeJournals, "journal:1", NoParent)
	a := addNode(t, g, TypeArticles, "article:1", j)
	r := addNode(t, g, TypeRounds, "round:1", a)

	assert.Equal(t, []int{j, a, r}, g.Lineage(r))
	assert.Equal(t, []int{j}, g.Lineage(j))
}

func TestChildrenOfType(t *testing.T) {
	g := NewGraph()
	j := addNode(t, g, TypeJournals, "journal:1", NoParent)
	a1 := addNode(t, g, TypeArticles, "article:1", j)
	a2 := addNode(t, g, TypeArticles, "article:2", j)
	addNode(t, g, TypeIssues, "issue:1", j)

	assert.Equal(t, []int{a1, a2}, g.ChildrenOfType(j, TypeArticles))
}

func TestStructureShape(t *testing.T) {
	defs := Structure()
	require.Len(t, defs, 2)
	assert.Equal(t, TypeUsers, defs[0].Type)
	assert.True(t, defs[0].SkipIndex)
	assert.Equal(t, TypeJournals, defs[1].Type)

	articles := DefinitionFor(TypeArticles)
	require.NotNil(t, articles)
	assert.Equal(t, TypeUsers, articles.ForeignKeys["creator"])

	response := DefinitionFor(TypeResponse)
	require.NotNil(t, response)
	assert.True(t, response.ExtractFromIndex)

	files := DefinitionFor(TypeFiles)
	require.NotNil(t, files)
	assert.True(t, files.Binary)

	assert.Nil(t, DefinitionFor(Type("widgets")))
}

func TestSingularNames(t *testing.T) {
	assert.Equal(t, "journal", TypeJournals.Singular())
	assert.Equal(t, "review_form", TypeReviewForms.Singular())
	assert.Equal(t, "response", TypeResponse.Singular())
	assert.True(t, TypeRounds.Valid())
	assert.False(t, Type("widgets").Valid())
}
