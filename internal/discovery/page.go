package discovery

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// htmlLinks stream-parses an HTML body and collects every <link> element's
// attributes. Malformed markup is tolerated; the tokenizer yields whatever
// it can before erroring out.
func htmlLinks(body []byte) []Link {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))

	var links []Link
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return links
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttrs := tokenizer.TagName()
			if string(name) != "link" || !hasAttrs {
				continue
			}
			link := Link{}
			for {
				key, value, more := tokenizer.TagAttr()
				attr := Attr{Key: strings.ToLower(string(key)), Value: string(value)}
				if attr.Key == "href" {
					link.Target = attr.Value
				} else {
					link.Attrs = append(link.Attrs, attr)
				}
				if !more {
					break
				}
			}
			if link.Target != "" {
				links = append(links, link)
			}
		}
	}
}

// decodeToUTF8 transcodes body to UTF-8 when label names a known non-UTF-8
// charset, substituting on unmappable bytes. Unknown labels and plain
// UTF-8 return the body unchanged.
func decodeToUTF8(body []byte, label string) []byte {
	if label == "" {
		return body
	}
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "utf-8" || normalized == "utf8" {
		return body
	}
	encoding, _ := charset.Lookup(label)
	if encoding == nil {
		return body
	}
	decoded, err := io.ReadAll(encoding.NewDecoder().Reader(bytes.NewReader(body)))
	if err != nil {
		return body
	}
	return decoded
}
