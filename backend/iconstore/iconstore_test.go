package iconstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nsdrive/syncagent/backend/node"
	"github.com/nsdrive/syncagent/backend/opgraph"
)

func TestGetExactMatch(t *testing.T) {
	s := New()
	id, ok := s.Get(Key{Kind: node.KindLocalFile, Op: opgraph.OpMV, HasOp: true})
	assert.True(t, ok)
	assert.Equal(t, "icon_file_mv_src", id)
}

func TestGetFallsBackToKindOnly(t *testing.T) {
	s := New()
	// GDRIVE_FOLDER has no op-qualified entries, only the bare kind one.
	id, ok := s.Get(Key{Kind: node.KindGDriveFolder, Op: opgraph.OpCP, HasOp: true})
	assert.True(t, ok)
	assert.Equal(t, "icon_generic_dir", id)
}

func TestGetUnknownKindMisses(t *testing.T) {
	s := New()
	_, ok := s.Get(Key{Kind: node.KindNonexistentDir})
	assert.False(t, ok)
}

func TestGetCustom(t *testing.T) {
	s := New()
	id, ok := s.GetCustom("loading")
	assert.True(t, ok)
	assert.Equal(t, "icon_loading", id)

	_, ok = s.GetCustom("nope")
	assert.False(t, ok)
}

func TestSetOverridesDefault(t *testing.T) {
	s := New()
	s.Set(Key{Kind: node.KindLocalFile}, "icon_custom_file")
	id, ok := s.Get(Key{Kind: node.KindLocalFile})
	assert.True(t, ok)
	assert.Equal(t, "icon_custom_file", id)
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "loading", Key{Custom: "loading"}.String())
	assert.Contains(t, Key{Kind: node.KindLocalFile, Op: opgraph.OpMV, HasOp: true}.String(), "/")
	assert.NotContains(t, Key{Kind: node.KindLocalFile}.String(), "/")
}
