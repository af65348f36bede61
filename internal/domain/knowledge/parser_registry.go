package knowledge

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ParserRegistry 按扩展名选择解析器
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewParserRegistry 创建注册表并注册内置解析器
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{parsers: make(map[string]Parser)}
	r.Register(MarkdownParser{})
	r.Register(PlainTextParser{})
	r.Register(PDFParser{})
	r.Register(DOCXParser{})
	return r
}

// Register 注册解析器，同扩展名后注册者覆盖
func (r *ParserRegistry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.Extensions() {
		r.parsers[strings.ToLower(ext)] = p
	}
}

// Parse 解析文件并转为待入库文档。标题缺失时使用文件名（去扩展名）。
func (r *ParserRegistry) Parse(filename string, src io.Reader) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	r.mu.RLock()
	p, ok := r.parsers[ext]
	r.mu.RUnlock()
	if !ok {
		return nil, invalidDocument(fmt.Sprintf("unsupported file type %q (supported: %s)", ext, strings.Join(r.Extensions(), ", ")))
	}

	parsed, err := p.Parse(src, filename)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	title := parsed.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	doc := &Document{Title: title, Content: parsed.Content, Source: filepath.Base(filename)}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Extensions 支持的扩展名（排序）
func (r *ParserRegistry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
