package content

import (
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/ides/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestParseTitleAndHeadings(t *testing.T) {
	book := Parse("% Title\n\n# Cool book!\n\n## Great\n\nBook.")

	require.Equal(t, "Title", book.Title)
	require.Equal(t, []Block{
		{Type: BlockTypeSectionTitle, Content: "Cool book!"},
		{Type: BlockTypeH1, Content: "Great"},
		{Type: BlockTypeParagraph, Content: "Book."},
	}, book.Blocks)
}

func TestParseRejoinsHardWrappedLines(t *testing.T) {
	book := Parse("this\nis\na\nhard-wrapped\nparagraph which may have multiple\nwords per line.\n\n" +
		"But this is definitely\na\nnew\nparagraph.")

	require.Equal(t, []Block{
		{Type: BlockTypeParagraph, Content: "this is a hard-wrapped paragraph which may have multiple words per line."},
		{Type: BlockTypeParagraph, Content: "But this is definitely a new paragraph."},
	}, book.Blocks)
}

func TestParseDropsGarbage(t *testing.T) {
	book := Parse("this\nis good content\n\n----- \n\n-----  \n\n#\n\n## \n\n\nmore good content\n")

	require.Equal(t, []Block{
		{Type: BlockTypeParagraph, Content: "this is good content"},
		{Type: BlockTypeParagraph, Content: "more good content"},
	}, book.Blocks)
}

func TestParseTooManyHashesProducesNothing(t *testing.T) {
	require.Empty(t, Parse("##### woah").Blocks)
	require.Empty(t, Parse("### third level").Blocks)
}

func TestParseTrimsLeadingWhitespace(t *testing.T) {
	book := Parse("     Has leading spaces\n\n# Another Cool Book\n\n   Content with leading spaces.")

	require.Equal(t, []Block{
		{Type: BlockTypeParagraph, Content: "Has leading spaces"},
		{Type: BlockTypeSectionTitle, Content: "Another Cool Book"},
		{Type: BlockTypeParagraph, Content: "Content with leading spaces."},
	}, book.Blocks)
}

func TestParseCollapsesRepeatedBlankLines(t *testing.T) {
	book := Parse("This\n\nis\n\n\njust\n\nsome\n\n\ncontent.\n\n")

	contents := make([]string, 0, len(book.Blocks))
	for _, block := range book.Blocks {
		require.Equal(t, BlockTypeParagraph, block.Type)
		contents = append(contents, block.Content)
	}
	require.Equal(t, []string{"This", "is", "just", "some", "content."}, contents)
}

func TestParseStripsPageBreaks(t *testing.T) {
	book := Parse("first\u000C page\n\u000C\nsecond\r\npage\r\n")

	require.Equal(t, []Block{
		{Type: BlockTypeParagraph, Content: "first page"},
		{Type: BlockTypeParagraph, Content: "second page"},
	}, book.Blocks)
}

func TestParseLastTitleWins(t *testing.T) {
	book := Parse("% First\nbody\n%% Second")

	require.Equal(t, "Second", book.Title)
	require.Equal(t, []Block{{Type: BlockTypeParagraph, Content: "body"}}, book.Blocks)
}

func TestParseHeadingDoesNotBreakPendingParagraph(t *testing.T) {
	book := Parse("opening line\n# Interlude\nclosing line")

	require.Equal(t, []Block{
		{Type: BlockTypeSectionTitle, Content: "Interlude"},
		{Type: BlockTypeParagraph, Content: "opening line closing line"},
	}, book.Blocks)
}

func TestParseIsDeterministic(t *testing.T) {
	raw := "% Novel\n\n# One\n\nIt was\na dark night.\n\n-----\n\n## Two\n\nThe end."
	require.Equal(t, Parse(raw), Parse(raw))
}

func TestDecodeBlockType(t *testing.T) {
	for _, blockType := range []BlockType{BlockTypeParagraph, BlockTypeH1, BlockTypeSectionTitle} {
		decoded, err := DecodeBlockType(blockType.Code())
		require.NoError(t, err)
		require.Equal(t, blockType, decoded)
	}

	_, err := DecodeBlockType(3)
	require.True(t, errors.Is(err, errs.ErrInvalidBlockType))
}

func TestFingerprintIsLiteral(t *testing.T) {
	require.Equal(t, FingerprintOf("same"), Block{Content: "same"}.Fingerprint())
	require.NotEqual(t, FingerprintOf("same"), FingerprintOf("same "))
	require.Len(t, FingerprintOf("").String(), 64)
}
