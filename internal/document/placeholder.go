package document

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// 图片语法优先匹配，其余裸链接按 URL 处理。
	linkPattern        = regexp.MustCompile(`(!\[[^\]]*\]\()([^)\s]+)(\))|https?://[^\s<>()\[\]"'` + "`" + `]+`)
	placeholderPattern = regexp.MustCompile(`\{\{(url|image):(\d+)\}\}`)
)

// Extract 将正文中的链接替换为 {{url:N}}，将 Markdown 图片地址替换为 {{image:N}}。
// 同一地址复用同一个序号。正文本身已包含占位符样式的内容时不做替换，以保证可逆。
func Extract(text string) (string, []string, []string) {
	if placeholderPattern.MatchString(text) {
		return text, nil, nil
	}
	matches := linkPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil, nil
	}

	var (
		b        strings.Builder
		urls     []string
		images   []string
		urlIdx   = map[string]int{}
		imageIdx = map[string]int{}
		last     int
	)
	b.Grow(len(text))
	for _, m := range matches {
		if m[2] >= 0 {
			// m[2]:m[3] 图片前缀，m[4]:m[5] 地址，m[6]:m[7] 右括号
			src := text[m[4]:m[5]]
			idx, ok := imageIdx[src]
			if !ok {
				idx = len(images)
				imageIdx[src] = idx
				images = append(images, src)
			}
			b.WriteString(text[last:m[4]])
			b.WriteString("{{image:" + strconv.Itoa(idx) + "}}")
			last = m[5]
			continue
		}
		raw := text[m[0]:m[1]]
		idx, ok := urlIdx[raw]
		if !ok {
			idx = len(urls)
			urlIdx[raw] = idx
			urls = append(urls, raw)
		}
		b.WriteString(text[last:m[0]])
		b.WriteString("{{url:" + strconv.Itoa(idx) + "}}")
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String(), urls, images
}

// Restore 将占位符还原为原始地址。越界的占位符保持原样。
func Restore(text string, urls, images []string) string {
	if len(urls) == 0 && len(images) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		sub := placeholderPattern.FindStringSubmatch(token)
		idx, err := strconv.Atoi(sub[2])
		if err != nil {
			return token
		}
		list := urls
		if sub[1] == "image" {
			list = images
		}
		if idx < 0 || idx >= len(list) {
			return token
		}
		return list[idx]
	})
}
