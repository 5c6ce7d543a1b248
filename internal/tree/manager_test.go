package tree

import (
	"testing"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func inst(guid, className, name string, path []string, parentGUID *string, source *string) codec.InstanceData {
	return codec.InstanceData{
		GUID:       guid,
		ClassName:  className,
		Name:       name,
		Path:       path,
		ParentGUID: parentGUID,
		Source:     source,
	}
}

func TestApplyFullSnapshotLinksServicesUnderRoot(t *testing.T) {
	m := NewManager(nil)
	errs := m.ApplyFullSnapshot([]codec.InstanceData{
		inst("ws", "Workspace", "Workspace", []string{"Workspace"}, nil, nil),
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("util", "ModuleScript", "Util", []string{"ReplicatedStorage", "Util"}, strPtr("rs"), strPtr("return {}")),
	})
	assert.Empty(t, errs)

	root, ok := m.GetRoot()
	require.True(t, ok)
	assert.Len(t, root.Children, 2)

	util, ok := m.GetNode("util")
	require.True(t, ok)
	assert.Equal(t, []string{"ReplicatedStorage", "Util"}, util.Path)
	assert.Equal(t, "rs", util.ParentGUID)
	assert.Equal(t, "return {}", *util.Source)
}

func TestApplyFullSnapshotFallsBackToPathLookup(t *testing.T) {
	m := NewManager(nil)
	errs := m.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		// No parentGuid supplied; must resolve via path[0:-1].
		inst("util", "ModuleScript", "Util", []string{"ReplicatedStorage", "Util"}, nil, nil),
	})
	assert.Empty(t, errs)

	util, ok := m.GetNode("util")
	require.True(t, ok)
	assert.Equal(t, "rs", util.ParentGUID)
}

func TestApplyFullSnapshotTwiceProducesIdenticalState(t *testing.T) {
	m := NewManager(nil)
	snapshot := []codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("util", "ModuleScript", "Util", []string{"ReplicatedStorage", "Util"}, strPtr("rs"), strPtr("return {}")),
	}
	m.ApplyFullSnapshot(snapshot)
	statsFirst := m.GetStats()
	m.ApplyFullSnapshot(snapshot)
	statsSecond := m.GetStats()
	assert.Equal(t, statsFirst, statsSecond)

	util, _ := m.GetNode("util")
	assert.Equal(t, []string{"ReplicatedStorage", "Util"}, util.Path)
}

func TestUpdateInstanceInsertsNewNode(t *testing.T) {
	m := NewManager(nil)
	m.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
	})

	result, err := m.UpdateInstance(inst("util", "ModuleScript", "Util", []string{"ReplicatedStorage", "Util"}, strPtr("rs"), strPtr("return {}")))
	require.NoError(t, err)
	assert.True(t, result.IsNew)
	assert.Equal(t, "Util", result.Node.Name)
}

func TestRenameUpdatesPathOfNodeAndDescendants(t *testing.T) {
	m := NewManager(nil)
	m.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("util", "ModuleScript", "Util", []string{"ReplicatedStorage", "Util"}, strPtr("rs"), strPtr("return {}")),
	})

	result, err := m.UpdateInstance(inst("util", "ModuleScript", "Helper", []string{"ReplicatedStorage", "Helper"}, strPtr("rs"), nil))
	require.NoError(t, err)
	assert.True(t, result.NameChanged)
	assert.True(t, result.PathChanged)
	assert.False(t, result.ParentChanged)
	assert.Equal(t, []string{"ReplicatedStorage", "Util"}, result.PrevPath)
	assert.Equal(t, "Util", result.PrevName)
	assert.Equal(t, []string{"ReplicatedStorage", "Helper"}, result.Node.Path)
	// Source was not carried in this update - must be left untouched.
	assert.Equal(t, "return {}", *result.Node.Source)
}

func TestMoveReparentsNodeAndDescendantPaths(t *testing.T) {
	m := NewManager(nil)
	m.ApplyFullSnapshot([]codec.InstanceData{
		inst("ws", "Workspace", "Workspace", []string{"Workspace"}, nil, nil),
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("helper", "ModuleScript", "Helper", []string{"ReplicatedStorage", "Helper"}, strPtr("rs"), strPtr("x")),
		inst("child", "Script", "Inner", []string{"ReplicatedStorage", "Helper", "Inner"}, strPtr("helper"), strPtr("y")),
	})

	result, err := m.UpdateInstance(inst("helper", "ModuleScript", "Helper", []string{"Workspace", "Helper"}, strPtr("ws"), nil))
	require.NoError(t, err)
	assert.True(t, result.ParentChanged)
	assert.True(t, result.PathChanged)
	assert.Equal(t, []string{"Workspace", "Helper"}, result.Node.Path)

	child, ok := m.GetNode("child")
	require.True(t, ok)
	assert.Equal(t, []string{"Workspace", "Helper", "Inner"}, child.Path)
}

func TestSameNameSiblingsAllowedAndPathLookupAmbiguous(t *testing.T) {
	m := NewManager(nil)
	m.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("a", "ModuleScript", "Shared", []string{"ReplicatedStorage", "Shared"}, strPtr("rs"), strPtr("a")),
		inst("b", "ModuleScript", "Shared", []string{"ReplicatedStorage", "Shared"}, strPtr("rs"), strPtr("b")),
	})

	_, found := m.lookupByPath([]string{"ReplicatedStorage", "Shared"})
	assert.False(t, found, "ambiguous path lookup must return no result")

	a, _ := m.GetNode("a")
	b, _ := m.GetNode("b")
	assert.Equal(t, a.Path, b.Path)
	assert.NotEqual(t, a.GUID, b.GUID)
}

func TestDeleteInstanceRemovesSubtree(t *testing.T) {
	m := NewManager(nil)
	m.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("folder", "Folder", "Stuff", []string{"ReplicatedStorage", "Stuff"}, strPtr("rs"), nil),
		inst("util", "ModuleScript", "Util", []string{"ReplicatedStorage", "Stuff", "Util"}, strPtr("folder"), strPtr("x")),
	})

	removed := m.DeleteInstance("folder")
	require.NotNil(t, removed)
	_, ok := m.GetNode("folder")
	assert.False(t, ok)
	_, ok = m.GetNode("util")
	assert.False(t, ok)

	root, _ := m.GetRoot()
	_, stillChild := root.Children["folder"]
	assert.False(t, stillChild)
}

func TestDeleteInstanceUnknownGUIDReturnsNil(t *testing.T) {
	m := NewManager(nil)
	assert.Nil(t, m.DeleteInstance("nope"))
}

func TestUpdateScriptSourceOnly(t *testing.T) {
	m := NewManager(nil)
	m.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("util", "ModuleScript", "Util", []string{"ReplicatedStorage", "Util"}, strPtr("rs"), strPtr("old")),
	})

	require.NoError(t, m.UpdateScriptSource("util", "new"))
	util, _ := m.GetNode("util")
	assert.Equal(t, "new", *util.Source)
	assert.Equal(t, []string{"ReplicatedStorage", "Util"}, util.Path)
}

func TestUpdateScriptSourceUnknownGUID(t *testing.T) {
	m := NewManager(nil)
	err := m.UpdateScriptSource("nope", "x")
	assert.Error(t, err)
}

func TestGetDescendantScriptsIncludesSelfAndNested(t *testing.T) {
	m := NewManager(nil)
	m.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("folder", "Folder", "Stuff", []string{"ReplicatedStorage", "Stuff"}, strPtr("rs"), nil),
		inst("util", "ModuleScript", "Util", []string{"ReplicatedStorage", "Stuff", "Util"}, strPtr("folder"), strPtr("x")),
		inst("nonscript", "Folder", "NotAScript", []string{"ReplicatedStorage", "Stuff", "NotAScript"}, strPtr("folder"), nil),
	})

	scripts := m.GetDescendantScripts("folder")
	assert.Len(t, scripts, 1)
	assert.Equal(t, "util", scripts[0].GUID)
}

func TestSortSiblingsOrdering(t *testing.T) {
	m := NewManager(nil)
	m.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("b", "ModuleScript", "Bravo", []string{"ReplicatedStorage", "Bravo"}, strPtr("rs"), nil),
		inst("a", "Script", "Alpha", []string{"ReplicatedStorage", "Alpha"}, strPtr("rs"), nil),
	})
	rs, _ := m.GetNode("rs")
	ordered := SortedChildren(rs)
	require.Len(t, ordered, 2)
	assert.Equal(t, "Alpha", ordered[0].Name)
	assert.Equal(t, "Bravo", ordered[1].Name)
}

func TestReplayEquivalenceOfIncrementalEditsVsFinalSnapshot(t *testing.T) {
	incremental := NewManager(nil)
	incremental.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
	})
	_, err := incremental.UpdateInstance(inst("util", "ModuleScript", "Util", []string{"ReplicatedStorage", "Util"}, strPtr("rs"), strPtr("x")))
	require.NoError(t, err)
	_, err = incremental.UpdateInstance(inst("util", "ModuleScript", "Helper", []string{"ReplicatedStorage", "Helper"}, strPtr("rs"), nil))
	require.NoError(t, err)

	finalSnapshot := NewManager(nil)
	finalSnapshot.ApplyFullSnapshot([]codec.InstanceData{
		inst("rs", "ReplicatedStorage", "ReplicatedStorage", []string{"ReplicatedStorage"}, nil, nil),
		inst("util", "ModuleScript", "Helper", []string{"ReplicatedStorage", "Helper"}, strPtr("rs"), strPtr("x")),
	})

	a, _ := incremental.GetNode("util")
	b, _ := finalSnapshot.GetNode("util")
	assert.Equal(t, b.Path, a.Path)
	assert.Equal(t, b.Name, a.Name)
}
