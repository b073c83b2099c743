package grounding

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xela07ax/trustgate/internal/domain"
)

// TextExtractor повторно извлекает текст из сохраненных байт экспоната.
type TextExtractor interface {
	// ExtractRegion возвращает текст фрагментов страницы, чей layout-бокс пересекает bbox.
	// bbox задан в координатах с началом в левом верхнем углу страницы.
	ExtractRegion(ctx context.Context, data []byte, page int, bbox [4]float64) (string, error)
}

// defaultPageHeight: US Letter, если MediaBox отсутствует.
const defaultPageHeight = 792

// PDFExtractor извлекает текст с позициями глифов через ledongthuc/pdf.
type PDFExtractor struct{}

func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

type glyph struct {
	x, top, w, h float64
	s            string
}

func (e *PDFExtractor) ExtractRegion(ctx context.Context, data []byte, page int, bbox [4]float64) (text string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Парсер паникует на битых content stream'ах, превращаем это в обычную ошибку
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("grounding: malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("grounding: open pdf: %w", err)
	}
	if page < 1 || page > reader.NumPage() {
		return "", fmt.Errorf("grounding: page %d out of range (1..%d)", page, reader.NumPage())
	}
	p := reader.Page(page)
	if p.V.IsNull() {
		return "", fmt.Errorf("grounding: page %d is empty", page)
	}

	pageHeight := mediaBoxHeight(p)
	region := domain.NormalizeRect(bbox)

	// 1. Собираем глифы, попадающие в регион (PDF отсчитывает Y снизу, переворачиваем)
	var glyphs []glyph
	for _, t := range p.Content().Text {
		h := t.FontSize
		if h == 0 {
			h = 12
		}
		if h < 1 {
			continue
		}
		w := t.W
		if w <= 0 {
			w = 0.01
		}
		top := pageHeight - t.Y - h
		box := domain.Rect{X1: t.X, Y1: top, X2: t.X + w, Y2: top + h}
		if !box.Overlaps(region) {
			continue
		}
		glyphs = append(glyphs, glyph{x: t.X, top: top, w: w, h: h, s: t.S})
	}

	// 2. Порядок чтения: сверху вниз, затем слева направо
	return assemble(glyphs), nil
}

func mediaBoxHeight(p pdf.Page) float64 {
	// MediaBox наследуется от родительских узлов дерева страниц
	var box pdf.Value
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		if mb := v.Key("MediaBox"); !mb.IsNull() {
			box = mb
			break
		}
	}
	if box.IsNull() || box.Len() < 4 {
		return defaultPageHeight
	}
	h := box.Index(3).Float64() - box.Index(1).Float64()
	if h <= 0 {
		return defaultPageHeight
	}
	return h
}

// assemble склеивает глифы в строки. Глифы одной строки: те, чьи верхние
// границы отличаются меньше чем на половину высоты. Пробел вставляется при
// разрыве между глифами, а строки соединяются пробелом.
func assemble(glyphs []glyph) string {
	if len(glyphs) == 0 {
		return ""
	}
	sort.SliceStable(glyphs, func(i, j int) bool {
		if glyphs[i].top != glyphs[j].top {
			return glyphs[i].top < glyphs[j].top
		}
		return glyphs[i].x < glyphs[j].x
	})

	var lines [][]glyph
	for _, g := range glyphs {
		n := len(lines)
		if n > 0 {
			first := lines[n-1][0]
			if abs(first.top-g.top) < first.h/2 {
				lines[n-1] = append(lines[n-1], g)
				continue
			}
		}
		lines = append(lines, []glyph{g})
	}

	var sb strings.Builder
	for li, line := range lines {
		sort.SliceStable(line, func(i, j int) bool { return line[i].x < line[j].x })
		if li > 0 {
			sb.WriteByte(' ')
		}
		for gi, g := range line {
			if gi > 0 {
				prev := line[gi-1]
				if g.x-(prev.x+prev.w) > 0.15*g.h {
					sb.WriteByte(' ')
				}
			}
			sb.WriteString(g.s)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
