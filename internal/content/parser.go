// Package content turns the plain-text import format into typed blocks.
//
// The import format is line oriented:
//
//	% Book Title
//	# Section title
//	## Subheading
//	-----            (five or more dashes: decoration, ignored)
//
// Everything else is prose. Consecutive prose lines are hard-wrapped pieces of one paragraph and
// are rejoined with single spaces; a blank line ends the paragraph. Word processors export page
// breaks as form feeds, which are stripped before a line is looked at.
package content

import "strings"

const (
	pageBreak        = "\u000C"
	garbageMarker    = "-----"
	headingSigil     = '#'
	titleSigil       = '%'
	sectionTitleHash = 1
	subheadingHash   = 2
)

type lineKind int

const (
	lineBlank lineKind = iota
	lineHeading
	lineTitle
	lineGarbage
	lineContent
)

type classifiedLine struct {
	kind      lineKind
	blockType BlockType
	text      string
}

type parserState int

const (
	stateIdle parserState = iota
	stateAccumulating
)

type parser struct {
	state   parserState
	pending []string
	book    Book
}

// Parse converts raw text into a Book. It never fails: malformed constructs are dropped.
func Parse(raw string) Book {
	p := &parser{book: Book{Blocks: make([]Block, 0)}}
	for _, line := range strings.Split(raw, "\n") {
		p.consume(classifyLine(line))
	}
	p.flush()
	return p.book
}

func (p *parser) consume(line classifiedLine) {
	switch line.kind {
	case lineBlank:
		p.flush()
	case lineHeading:
		p.book.Blocks = append(p.book.Blocks, Block{Type: line.blockType, Content: line.text})
	case lineTitle:
		p.book.Title = line.text
	case lineContent:
		p.pending = append(p.pending, line.text)
		p.state = stateAccumulating
	}
}

func (p *parser) flush() {
	if p.state != stateAccumulating {
		return
	}
	p.book.Blocks = append(p.book.Blocks, Block{
		Type:    BlockTypeParagraph,
		Content: strings.Join(p.pending, " "),
	})
	p.pending = p.pending[:0]
	p.state = stateIdle
}

// classifyLine decides what a single source line means. Headings with an unsupported depth or no
// text classify as garbage.
func classifyLine(raw string) classifiedLine {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, pageBreak, ""))

	switch {
	case trimmed == "":
		return classifiedLine{kind: lineBlank}
	case trimmed[0] == headingSigil:
		return classifyHeading(trimmed)
	case trimmed[0] == titleSigil:
		return classifiedLine{
			kind: lineTitle,
			text: strings.TrimSpace(strings.TrimLeft(trimmed, string(titleSigil))),
		}
	case strings.Contains(trimmed, garbageMarker):
		return classifiedLine{kind: lineGarbage}
	default:
		return classifiedLine{kind: lineContent, text: trimmed}
	}
}

func classifyHeading(trimmed string) classifiedLine {
	withoutSigils := strings.TrimLeft(trimmed, string(headingSigil))
	depth := len(trimmed) - len(withoutSigils)
	text := strings.TrimSpace(withoutSigils)
	if text == "" {
		return classifiedLine{kind: lineGarbage}
	}
	switch depth {
	case sectionTitleHash:
		return classifiedLine{kind: lineHeading, blockType: BlockTypeSectionTitle, text: text}
	case subheadingHash:
		return classifiedLine{kind: lineHeading, blockType: BlockTypeH1, text: text}
	default:
		return classifiedLine{kind: lineGarbage}
	}
}
