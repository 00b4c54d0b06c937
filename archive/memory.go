package archive

import (
	"context"
	"strings"
	"sync"

	"github.com/blingmoon/equipment-procurement/workflow"
	"github.com/pkg/errors"
)

// StoredDocument 内存归档里的文档
type StoredDocument struct {
	Ref      string
	Name     string
	MimeType string
	Content  []byte
}

// Memory 内存归档, 本地开发和测试使用
type Memory struct {
	mu      sync.RWMutex
	folders map[string]struct{}
	docs    map[string]*StoredDocument
}

func NewMemory() *Memory {
	return &Memory{
		folders: make(map[string]struct{}),
		docs:    make(map[string]*StoredDocument),
	}
}

var _ workflow.DocumentArchive = (*Memory)(nil)

func (m *Memory) EnsureFolder(ctx context.Context, name string, parentRef string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("folder name is empty")
	}
	ref := joinRef(parentRef, name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[ref] = struct{}{}
	return ref, nil
}

func (m *Memory) Store(ctx context.Context, folderRef string, doc *workflow.Document) (string, error) {
	if doc == nil || doc.Name == "" {
		return "", errors.New("document name is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[folderRef]; !ok {
		return "", errors.Errorf("folder %s not found", folderRef)
	}
	ref := ""
	for attempt := 1; ; attempt++ {
		ref = candidateRef(folderRef, doc.Name, attempt)
		if _, exists := m.docs[ref]; !exists {
			break
		}
	}
	content := make([]byte, len(doc.Content))
	copy(content, doc.Content)
	m.docs[ref] = &StoredDocument{
		Ref:      ref,
		Name:     doc.Name,
		MimeType: mimeTypeOf(doc),
		Content:  content,
	}
	return ref, nil
}

// Get 按引用读取文档
func (m *Memory) Get(ref string) (*StoredDocument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[ref]
	return doc, ok
}

// List 列出目录下直接存放的文档引用
func (m *Memory) List(folderRef string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := folderRef + "/"
	refs := make([]string, 0)
	for ref := range m.docs {
		if strings.HasPrefix(ref, prefix) && !strings.Contains(strings.TrimPrefix(ref, prefix), "/") {
			refs = append(refs, ref)
		}
	}
	return refs
}

// HasFolder 目录是否已经创建
func (m *Memory) HasFolder(ref string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.folders[ref]
	return ok
}
