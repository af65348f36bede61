package knowledge

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "knowledgehub/internal/platform/log"
)

// ParsedFile 上传文件解析结果
type ParsedFile struct {
	Title   string
	Content string
	Format  string
	Pages   int
}

// Parser 文件解析器
type Parser interface {
	Parse(r io.Reader, filename string) (*ParsedFile, error)
	Extensions() []string
}

var (
	reMdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reMdFence   = regexp.MustCompile("```[^\\n]*\\n([\\s\\S]*?)```")
	reMdInline  = regexp.MustCompile("`([^`]+)`")
	reMdBold    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reMdItalic  = regexp.MustCompile(`\*(.+?)\*`)
	reMdImage   = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	reMdLink    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reHTMLTag   = regexp.MustCompile(`<[^>]+>`)
	reBlankRuns = regexp.MustCompile(`\n{3,}`)

	reDocxParagraph = regexp.MustCompile(`</w:p>`)
	reDocxText      = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
)

// MarkdownParser 去除 Markdown 标记，首个一级标题作为文档标题
type MarkdownParser struct{}

func (MarkdownParser) Extensions() []string { return []string{".md", ".markdown"} }

func (MarkdownParser) Parse(r io.Reader, filename string) (*ParsedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")

	title := ""
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); strings.HasPrefix(t, "# ") {
			title = strings.TrimSpace(strings.TrimPrefix(t, "# "))
			break
		}
	}

	text = reMdFence.ReplaceAllString(text, "$1")
	text = reMdImage.ReplaceAllString(text, "$1")
	text = reMdLink.ReplaceAllString(text, "$1")
	text = reMdBold.ReplaceAllString(text, "$1")
	text = reMdItalic.ReplaceAllString(text, "$1")
	text = reMdInline.ReplaceAllString(text, "$1")
	text = reMdHeading.ReplaceAllString(text, "")
	text = reHTMLTag.ReplaceAllString(text, "")

	return &ParsedFile{Title: title, Content: squeezeBlankLines(text), Format: "markdown"}, nil
}

// PlainTextParser 纯文本类文件原样读取
type PlainTextParser struct{}

func (PlainTextParser) Extensions() []string {
	return []string{".txt", ".text", ".csv", ".log", ".json", ".yaml", ".yml"}
}

func (PlainTextParser) Parse(r io.Reader, filename string) (*ParsedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	return &ParsedFile{
		Content: squeezeBlankLines(string(data)),
		Format:  strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."),
	}, nil
}

// PDFParser 逐页提取纯文本，页之间以空行分隔
type PDFParser struct{}

func (PDFParser) Extensions() []string { return []string{".pdf"} }

func (PDFParser) Parse(r io.Reader, filename string) (*ParsedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[Knowledge/PDF] page text extraction failed", "file", filename, "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	return &ParsedFile{Content: squeezeBlankLines(sb.String()), Format: "pdf", Pages: pages}, nil
}

// DOCXParser 从 word/document.xml 中提取 <w:t> 文本，按 </w:p> 分段
type DOCXParser struct{}

func (DOCXParser) Extensions() []string { return []string{".docx"} }

func (DOCXParser) Parse(r io.Reader, filename string) (*ParsedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer doc.Close()

	return &ParsedFile{Content: docxText(doc.Editable().GetContent()), Format: "docx"}, nil
}

func docxText(xml string) string {
	var sb strings.Builder
	for _, para := range reDocxParagraph.Split(xml, -1) {
		var line strings.Builder
		for _, m := range reDocxText.FindAllStringSubmatch(para, -1) {
			line.WriteString(m[1])
		}
		if t := strings.TrimSpace(html.UnescapeString(line.String())); t != "" {
			sb.WriteString(t)
			sb.WriteString("\n\n")
		}
	}
	return squeezeBlankLines(sb.String())
}

func squeezeBlankLines(text string) string {
	return strings.TrimSpace(reBlankRuns.ReplaceAllString(text, "\n\n"))
}
