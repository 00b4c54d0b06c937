package archive

import (
	"context"
	"sync"
	"testing"

	"github.com/blingmoon/equipment-procurement/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("目录和文档", func(t *testing.T) {
		m := NewMemory()
		parent, err := m.EnsureFolder(ctx, "Comercial", "")
		require.NoError(t, err)
		folder, err := m.EnsureFolder(ctx, "a1b2 - Acme/Labs - 2025-03-10", parent)
		require.NoError(t, err)
		assert.Equal(t, "Comercial/a1b2 - Acme-Labs - 2025-03-10", folder)
		assert.True(t, m.HasFolder(folder))

		again, err := m.EnsureFolder(ctx, "a1b2 - Acme/Labs - 2025-03-10", parent)
		require.NoError(t, err)
		assert.Equal(t, folder, again)

		content := []byte("contrato")
		ref, err := m.Store(ctx, folder, &workflow.Document{Name: "contrato.pdf", Content: content})
		require.NoError(t, err)
		content[0] = 'X'
		doc, ok := m.Get(ref)
		require.True(t, ok)
		assert.Equal(t, "contrato", string(doc.Content))
		assert.Equal(t, "application/pdf", doc.MimeType)

		second, err := m.Store(ctx, folder, &workflow.Document{Name: "contrato.pdf", Content: []byte("v2")})
		require.NoError(t, err)
		assert.NotEqual(t, ref, second)
		assert.ElementsMatch(t, []string{ref, second}, m.List(folder))
		assert.Empty(t, m.List(parent))
	})

	t.Run("目录不存在", func(t *testing.T) {
		m := NewMemory()
		_, err := m.Store(ctx, "missing", &workflow.Document{Name: "a.pdf", Content: []byte("x")})
		assert.Error(t, err)
	})

	t.Run("并发写入", func(t *testing.T) {
		m := NewMemory()
		folder, err := m.EnsureFolder(ctx, "Comercial", "root")
		require.NoError(t, err)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.Store(ctx, folder, &workflow.Document{Name: "quote.pdf", Content: []byte("q")})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Len(t, m.List(folder), 20)
	})
}
