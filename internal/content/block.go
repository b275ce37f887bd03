package content

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/ides/internal/errs"
)

// BlockType enumerates the kinds of content block a book is made of.
type BlockType int

const (
	// BlockTypeParagraph is a run of prose.
	BlockTypeParagraph BlockType = 1
	// BlockTypeH1 is a subheading ("## " in the import format).
	BlockTypeH1 BlockType = 2
	// BlockTypeSectionTitle is a top-level heading ("# " in the import format).
	BlockTypeSectionTitle BlockType = 4
)

// DecodeBlockType converts a stored type code back into a BlockType.
func DecodeBlockType(code int) (BlockType, error) {
	switch BlockType(code) {
	case BlockTypeParagraph, BlockTypeH1, BlockTypeSectionTitle:
		return BlockType(code), nil
	default:
		return 0, fmt.Errorf("%w: %d", errs.ErrInvalidBlockType, code)
	}
}

// Code returns the storage code of the block type.
func (t BlockType) Code() int {
	return int(t)
}

// String returns a stable lower-case name used in logs and JSON.
func (t BlockType) String() string {
	switch t {
	case BlockTypeParagraph:
		return "paragraph"
	case BlockTypeH1:
		return "h1"
	case BlockTypeSectionTitle:
		return "section_title"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Block is one typed unit of book content.
type Block struct {
	Type    BlockType
	Content string
}

// Fingerprint returns the content fingerprint of the block.
func (b Block) Fingerprint() Fingerprint {
	return FingerprintOf(b.Content)
}

// Book is the transient result of parsing raw text.
type Book struct {
	Title  string
	Blocks []Block
}
