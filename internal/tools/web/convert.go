package web

import (
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

var excessiveLines = regexp.MustCompile(`\n{3,}`)

// noise 是正文抽取前需要移除的元素。
var noise = strings.Join([]string{
	"script", "style", "noscript", "iframe", "object", "embed", "form", "button",
	"nav", "header", "footer", "aside",
	".nav", ".navbar", ".sidebar", ".menu", ".footer", ".advertisement", ".share", ".comments", ".breadcrumb",
}, ", ")

// Page 是转换后的页面。
type Page struct {
	Title    string
	Markdown string
}

// convert 抽取页面主体并转为 markdown，相对链接按 base 补全。
func convert(base *url.URL, doc *goquery.Document) Page {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find(noise).Remove()

	root := doc.Find("main, article, [role=main]").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	converter := md.NewConverter(base.Host, true, &md.Options{
		GetAbsoluteURL: func(_ *goquery.Selection, raw, _ string) string {
			ref, err := url.Parse(raw)
			if err != nil || ref.Scheme == "data" {
				return raw
			}
			return base.ResolveReference(ref).String()
		},
	})
	converter.Use(plugin.GitHubFlavored())
	markdown := converter.Convert(root)

	lines := strings.Split(markdown, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	markdown = excessiveLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	markdown = strings.TrimSpace(markdown)

	if title == "" {
		for _, line := range strings.Split(markdown, "\n") {
			if strings.HasPrefix(line, "# ") {
				title = strings.TrimSpace(line[2:])
				break
			}
		}
	}
	return Page{Title: title, Markdown: markdown}
}
