package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_WireFormat(t *testing.T) {
	snap := Snapshot{
		{ResourceID: "arn:aws:lambda:us-east-1:123:function:fn1", Limit: Of(10)},
		{ResourceID: "arn:aws:lambda:us-east-1:123:function:fn2", Limit: Unset()},
		{ResourceID: "arn:aws:lambda:us-east-1:123:function:fn3", Limit: Of(0)},
	}

	data, err := Encode(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		["arn:aws:lambda:us-east-1:123:function:fn1", 10],
		["arn:aws:lambda:us-east-1:123:function:fn2", null],
		["arn:aws:lambda:us-east-1:123:function:fn3", 0]
	]`, string(data))
}

func TestEncode_EmptyIsArray(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestDecode_PreservesOrderAndUnset(t *testing.T) {
	snap, err := Decode([]byte(`[["fn1",10],["fn2",null],["fn3",0]]`))
	require.NoError(t, err)
	require.Len(t, snap, 3)

	assert.Equal(t, []string{"fn1", "fn2", "fn3"}, snap.IDs())

	v, ok := snap[0].Limit.Value()
	assert.True(t, ok)
	assert.Equal(t, int32(10), v)

	assert.False(t, snap[1].Limit.IsSet())

	v, ok = snap[2].Limit.Value()
	assert.True(t, ok, "zero is an explicit limit, not unset")
	assert.Equal(t, int32(0), v)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "null", input: "null"},
		{name: "object", input: `{"fn1": 10}`},
		{name: "short pair", input: `[["fn1"]]`},
		{name: "long pair", input: `[["fn1", 1, 2]]`},
		{name: "numeric id", input: `[[1, 1]]`},
		{name: "empty id", input: `[["", 1]]`},
		{name: "fractional limit", input: `[["fn1", 1.5]]`},
		{name: "negative limit", input: `[["fn1", -1]]`},
		{name: "string limit", input: `[["fn1", "5"]]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestLimit_String(t *testing.T) {
	assert.Equal(t, "unset", Unset().String())
	assert.Equal(t, "7", Of(7).String())
	assert.Nil(t, Unset().Ptr())
	assert.Equal(t, int32(7), *Of(7).Ptr())
	assert.Equal(t, Of(3), FromPtr(Of(3).Ptr()))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "/stack/ThrottledFunctions")
	assert.ErrorIs(t, err, ErrNotFound)

	meta := Metadata{Tags: map[string]string{"budget-watch:stack-name": "stack"}}
	require.NoError(t, store.Put(ctx, "/stack/ThrottledFunctions", []byte(`[["a",1]]`), meta))
	require.NoError(t, store.Put(ctx, "/stack/ThrottledFunctions", []byte(`[["b",2]]`), meta))

	got, err := store.Get(ctx, "/stack/ThrottledFunctions")
	require.NoError(t, err)
	assert.Equal(t, `[["b",2]]`, string(got), "put overwrites")

	tags, ok := store.Tags("/stack/ThrottledFunctions")
	require.True(t, ok)
	assert.Equal(t, "stack", tags["budget-watch:stack-name"])

	require.NoError(t, store.Delete(ctx, "/stack/ThrottledFunctions"))
	require.NoError(t, store.Delete(ctx, "/stack/ThrottledFunctions"), "delete of absent key succeeds")

	_, err = store.Get(ctx, "/stack/ThrottledFunctions")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetadata_SortedTagKeys(t *testing.T) {
	meta := Metadata{Tags: map[string]string{"b": "2", "a": "1", "c": "3"}}
	assert.Equal(t, []string{"a", "b", "c"}, meta.SortedTagKeys())
}
