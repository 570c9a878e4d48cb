package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func treeImplementations(t *testing.T) map[string]func(t *testing.T) Tree {
	return map[string]func(t *testing.T) Tree{
		"memory": func(t *testing.T) Tree { return NewMemoryTree() },
		"sqlite": func(t *testing.T) Tree {
			tree, err := NewSQLiteTree(filepath.Join(t.TempDir(), "tree.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = tree.Close() })
			return tree
		},
	}
}

func jsonOf(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestTreeContract(t *testing.T) {
	for name, newTree := range treeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("missing path is nil", func(t *testing.T) {
				tree := newTree(t)
				v, err := tree.Get(ctx, "nothing/here")
				require.NoError(t, err)
				assert.Nil(t, v)

				root, err := tree.Get(ctx, "")
				require.NoError(t, err)
				assert.Nil(t, root)
			})

			t.Run("set then get", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Set(ctx, "users/1", map[string]any{"boo": "raz", "n": 3}))

				v, err := tree.Get(ctx, "users/1")
				require.NoError(t, err)
				assert.JSONEq(t, `{"boo":"raz","n":3}`, jsonOf(t, v))

				leaf, err := tree.Get(ctx, "/users/1/boo/")
				require.NoError(t, err)
				assert.Equal(t, "raz", leaf)

				root, err := tree.Get(ctx, "")
				require.NoError(t, err)
				assert.JSONEq(t, `{"users":{"1":{"boo":"raz","n":3}}}`, jsonOf(t, root))
			})

			t.Run("set overwrites subtree", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Set(ctx, "a", map[string]any{"x": 1, "y": 2}))
				require.NoError(t, tree.Set(ctx, "a", map[string]any{"z": 3}))

				v, err := tree.Get(ctx, "a")
				require.NoError(t, err)
				assert.JSONEq(t, `{"z":3}`, jsonOf(t, v))
			})

			t.Run("set through scalar", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Set(ctx, "a", "scalar"))
				require.NoError(t, tree.Set(ctx, "a/b", true))

				v, err := tree.Get(ctx, "a")
				require.NoError(t, err)
				assert.JSONEq(t, `{"b":true}`, jsonOf(t, v))
			})

			t.Run("update keeps siblings", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Set(ctx, "doc", map[string]any{"immutable": "value", "key1": "old"}))
				require.NoError(t, tree.Update(ctx, "doc", map[string]any{"key1": "key1", "nested/deep": 5}))

				v, err := tree.Get(ctx, "doc")
				require.NoError(t, err)
				assert.JSONEq(t, `{"immutable":"value","key1":"key1","nested":{"deep":5}}`, jsonOf(t, v))
			})

			t.Run("update with nil deletes", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Set(ctx, "doc", map[string]any{"a": 1, "b": 2}))
				require.NoError(t, tree.Update(ctx, "doc", map[string]any{"a": nil}))

				v, err := tree.Get(ctx, "doc")
				require.NoError(t, err)
				assert.JSONEq(t, `{"b":2}`, jsonOf(t, v))
			})

			t.Run("update across top-level keys", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Update(ctx, "", map[string]any{"left/x": 1, "right/y": 2}))

				root, err := tree.Get(ctx, "")
				require.NoError(t, err)
				assert.JSONEq(t, `{"left":{"x":1},"right":{"y":2}}`, jsonOf(t, root))
			})

			t.Run("push generates ordered keys", func(t *testing.T) {
				tree := newTree(t)
				var keys []string
				for i := 0; i < 5; i++ {
					key, err := tree.Push(ctx, "messages", map[string]any{"message": "heyo!", "i": i})
					require.NoError(t, err)
					assert.True(t, strings.HasPrefix(key, "-"))
					keys = append(keys, key)
				}
				assert.True(t, sort.StringsAreSorted(keys))

				v, err := tree.Get(ctx, "messages/"+keys[2])
				require.NoError(t, err)
				assert.JSONEq(t, `{"message":"heyo!","i":2}`, jsonOf(t, v))
			})

			t.Run("delete prunes empty parents", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Set(ctx, "a/b/c", "leaf"))
				require.NoError(t, tree.Set(ctx, "keep", "me"))
				require.NoError(t, tree.Delete(ctx, "a/b/c"))

				v, err := tree.Get(ctx, "a")
				require.NoError(t, err)
				assert.Nil(t, v)

				root, err := tree.Get(ctx, "")
				require.NoError(t, err)
				assert.JSONEq(t, `{"keep":"me"}`, jsonOf(t, root))

				require.NoError(t, tree.Delete(ctx, "does/not/exist"))
			})

			t.Run("empty objects and arrays", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Set(ctx, "empty", map[string]any{}))
				v, err := tree.Get(ctx, "empty")
				require.NoError(t, err)
				assert.Nil(t, v)

				require.NoError(t, tree.Set(ctx, "list", []any{"a", nil, "c"}))
				v, err = tree.Get(ctx, "list")
				require.NoError(t, err)
				assert.JSONEq(t, `{"0":"a","2":"c"}`, jsonOf(t, v))
			})

			t.Run("root", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Set(ctx, "old", 1))
				require.NoError(t, tree.Set(ctx, "", map[string]any{"new": 2}))

				root, err := tree.Get(ctx, "")
				require.NoError(t, err)
				assert.JSONEq(t, `{"new":2}`, jsonOf(t, root))

				assert.ErrorIs(t, tree.Set(ctx, "", "scalar"), ErrInvalidRoot)

				require.NoError(t, tree.Delete(ctx, ""))
				root, err = tree.Get(ctx, "")
				require.NoError(t, err)
				assert.Nil(t, root)
			})

			t.Run("reads are copies", func(t *testing.T) {
				tree := newTree(t)
				require.NoError(t, tree.Set(ctx, "doc", map[string]any{"a": "b"}))

				v, err := tree.Get(ctx, "doc")
				require.NoError(t, err)
				v.(map[string]any)["a"] = "mutated"

				again, err := tree.Get(ctx, "doc/a")
				require.NoError(t, err)
				assert.Equal(t, "b", again)
			})
		})
	}
}

func TestSQLiteTreePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tree.db")

	tree, err := NewSQLiteTree(path)
	require.NoError(t, err)
	require.NoError(t, tree.Set(ctx, "users/1", map[string]any{"name": "ada", "age": 36}))
	require.NoError(t, tree.Close())

	reopened, err := NewSQLiteTree(path)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(ctx, "users/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada","age":36}`, jsonOf(t, v))
}

func TestSplitPath(t *testing.T) {
	assert.Empty(t, SplitPath(""))
	assert.Empty(t, SplitPath("/"))
	assert.Equal(t, []string{"a", "b"}, SplitPath("/a//b/"))
}
