package genai

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ExtractFencedBlock pulls the first fenced code block matching one of the
// given languages out of markdown-flavored generator output. With no
// language match it falls back to the first fenced block of any language,
// and with no fenced block at all it returns the trimmed input: generators
// sometimes answer with bare code.
func ExtractFencedBlock(source string, languages ...string) string {
	src := []byte(source)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var firstBlock string
	var match string

	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || match != "" {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		var b strings.Builder
		lines := fc.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(src))
		}
		block := b.String()

		if firstBlock == "" {
			firstBlock = block
		}
		lang := string(fc.Language(src))
		for _, want := range languages {
			if lang == want {
				match = block
				break
			}
		}
		return ast.WalkContinue, nil
	})

	if match != "" {
		return match
	}
	if firstBlock != "" {
		return firstBlock
	}
	return strings.TrimSpace(source)
}
