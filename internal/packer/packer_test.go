package packer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ransomwave/azul/internal/codec"
	"github.com/Ransomwave/azul/internal/sourcemap"
	"github.com/Ransomwave/azul/internal/transport"
)

type fakeConn struct {
	onMessage transport.MessageHandler
	sent      []codec.Type
	reply     func(send func(t codec.Type, raw []byte))
}

func (f *fakeConn) OnMessage(fn transport.MessageHandler) { f.onMessage = fn }

func (f *fakeConn) Send(t codec.Type, payload any) error {
	f.sent = append(f.sent, t)
	if f.reply != nil {
		go f.reply(f.onMessage)
	}
	return nil
}

func TestPackBuildsTreeWithPropertiesAndMetadata(t *testing.T) {
	conn := &fakeConn{}
	conn.reply = func(send func(t codec.Type, raw []byte)) {
		time.Sleep(10 * time.Millisecond)
		snapshot := codec.FullSnapshot{Data: []codec.InstanceData{
			{GUID: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
			{GUID: "aaaa", ClassName: "ModuleScript", Name: "Util", Path: []string{"ReplicatedStorage", "Util"},
				Properties: map[string]any{"Disabled": false}},
		}}
		raw, err := codec.Encode(codec.TypeFullSnapshot, snapshot)
		require.NoError(t, err)
		send(codec.TypeFullSnapshot, raw)
	}

	p := New(nil)
	root, err := p.Pack(context.Background(), conn, "full", true, nil)
	require.NoError(t, err)

	require.Len(t, root.Children, 1)
	svc := root.Children[0]
	require.Len(t, svc.Children, 1)
	mod := svc.Children[0]
	assert.Equal(t, "aaaa", mod.GUID)
	assert.Equal(t, false, mod.Properties["Disabled"])
	require.NotNil(t, root.Azul)
	assert.Equal(t, "full", root.Azul.Mode)
}

func TestPackPreservesExistingFilePathsByGUID(t *testing.T) {
	existing := sourcemap.NewRoot()
	existing.Children = append(existing.Children, &sourcemap.Node{
		Name: "ReplicatedStorage", ClassName: "ReplicatedStorage", GUID: "rs",
		Children: []*sourcemap.Node{
			{Name: "Util", ClassName: "ModuleScript", GUID: "aaaa", FilePaths: []string{"sync/ReplicatedStorage/Util.luau"}},
		},
	})

	conn := &fakeConn{}
	conn.reply = func(send func(t codec.Type, raw []byte)) {
		snapshot := codec.FullSnapshot{Data: []codec.InstanceData{
			{GUID: "rs", ClassName: "ReplicatedStorage", Name: "ReplicatedStorage", Path: []string{"ReplicatedStorage"}},
			{GUID: "aaaa", ClassName: "ModuleScript", Name: "Util", Path: []string{"ReplicatedStorage", "Util"}},
		}}
		raw, err := codec.Encode(codec.TypeFullSnapshot, snapshot)
		require.NoError(t, err)
		send(codec.TypeFullSnapshot, raw)
	}

	p := New(nil)
	root, err := p.Pack(context.Background(), conn, "full", true, existing)
	require.NoError(t, err)

	mod := root.Children[0].Children[0]
	require.Len(t, mod.FilePaths, 1)
	assert.Equal(t, "sync/ReplicatedStorage/Util.luau", mod.FilePaths[0])
}

func TestPackTimesOutWithoutSnapshot(t *testing.T) {
	conn := &fakeConn{}
	p := New(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Pack(ctx, conn, "full", true, nil)
	require.Error(t, err)
	var timeoutErr *SnapshotTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}
