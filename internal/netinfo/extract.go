package netinfo

import (
	"bytes"
	"errors"
	"strings"

	"golang.org/x/net/html"
)

var errNoJSONBlock = errors.New("netinfo: no language-json block in page")

// htmlEntities covers the entities the geolocation page actually emits.
var htmlEntities = strings.NewReplacer(
	"&quot;", `"`,
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&#39;", "'",
)

// ExtractJSONBlock pulls the geolocation JSON out of the ip2location page:
// the text of the <code class="language-json"> element. The tokenizer pass
// handles entity decoding; if the page structure drifts, a raw substring
// scan between `language-json">` and `</code>` is tried before giving up.
func ExtractJSONBlock(page []byte) (string, error) {
	if block, ok := extractWithTokenizer(page); ok {
		return block, nil
	}
	if block, ok := extractWithScan(string(page)); ok {
		return block, nil
	}
	return "", errNoJSONBlock
}

func extractWithTokenizer(page []byte) (string, bool) {
	tok := html.NewTokenizer(bytes.NewReader(page))
	inBlock := false
	var text strings.Builder

	for {
		switch tok.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken:
			name, hasAttr := tok.TagName()
			if string(name) != "code" {
				continue
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = tok.TagAttr()
				if string(key) == "class" && strings.Contains(string(val), "language-json") {
					inBlock = true
				}
			}
		case html.TextToken:
			if inBlock {
				text.Write(tok.Text())
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			if inBlock && string(name) == "code" {
				block := strings.TrimSpace(text.String())
				return block, block != ""
			}
		}
	}
}

func extractWithScan(page string) (string, bool) {
	const marker = `language-json">`
	start := strings.Index(page, marker)
	if start < 0 {
		return "", false
	}
	start += len(marker)
	end := strings.Index(page[start:], "</code>")
	if end < 0 {
		return "", false
	}
	block := strings.TrimSpace(htmlEntities.Replace(page[start : start+end]))
	return block, block != ""
}
