package normalize

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
)

// DescriptionToText strips markup and collapses whitespace.
func DescriptionToText(markup string) string {
	if !strings.ContainsRune(markup, '<') {
		return collapse(markup)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return collapse(markup)
	}
	doc.Find("script, style").Remove()
	return collapse(doc.Text())
}

// DescriptionToMarkdown converts description markup to CommonMark.
func DescriptionToMarkdown(markup string) (string, error) {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
	md, err := conv.ConvertString(markup)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
