package archive

import (
	"fmt"
	"path"
	"strings"

	"github.com/blingmoon/equipment-procurement/workflow"
)

const defaultMimeType = "application/pdf"

// folderMarker 对象存储没有目录, 用占位对象表示目录已经创建
const folderMarker = ".folder"

// joinRef 引用就是以/分隔的路径
func joinRef(parentRef, name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "/", "-")
	if parentRef == "" {
		return name
	}
	return strings.TrimSuffix(parentRef, "/") + "/" + name
}

// candidateRef 同名文档加序号, 第一次返回原名
func candidateRef(folderRef, name string, attempt int) string {
	if attempt <= 1 {
		return joinRef(folderRef, name)
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return joinRef(folderRef, fmt.Sprintf("%s-%d%s", base, attempt, ext))
}

func mimeTypeOf(doc *workflow.Document) string {
	if doc.MimeType == "" {
		return defaultMimeType
	}
	return doc.MimeType
}
