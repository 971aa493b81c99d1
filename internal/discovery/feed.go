package discovery

import (
	"bytes"
	"encoding/xml"
)

// feedLink is an atom:link element wherever it appears in feed metadata.
type feedLink struct {
	Href  string `xml:"href,attr"`
	Rel   string `xml:"rel,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

// atomFeed covers <feed> documents. Only feed-level links matter for
// hub discovery; entry links are intentionally not collected.
type atomFeed struct {
	XMLName xml.Name   `xml:"feed"`
	Links   []feedLink `xml:"link"`
}

// rssDocument covers <rss><channel> and RDF documents. Channel-level
// atom:link elements decode into the same slice whether the document has
// one or many.
type rssDocument struct {
	Channel struct {
		Links []feedLink `xml:"link"`
	} `xml:"channel"`
}

// feedLinks extracts feed-metadata links from an XML body. A body that is
// not a recognizable feed yields nil.
func feedLinks(body []byte) []Link {
	root := rootElementName(body)
	var raw []feedLink
	switch root {
	case "feed":
		var feed atomFeed
		if err := xml.Unmarshal(body, &feed); err != nil {
			return nil
		}
		raw = feed.Links
	case "rss", "RDF":
		var doc rssDocument
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil
		}
		raw = doc.Channel.Links
	default:
		return nil
	}

	var links []Link
	for _, fl := range raw {
		if fl.Href == "" {
			// RSS <link> carries its target as character data, which has no
			// rel relation; skip rather than misattribute.
			continue
		}
		link := Link{Target: fl.Href}
		if fl.Rel != "" {
			link.Attrs = append(link.Attrs, Attr{Key: "rel", Value: fl.Rel})
		}
		if fl.Type != "" {
			link.Attrs = append(link.Attrs, Attr{Key: "type", Value: fl.Type})
		}
		if fl.Title != "" {
			link.Attrs = append(link.Attrs, Attr{Key: "title", Value: fl.Title})
		}
		links = append(links, link)
	}
	return links
}

func rootElementName(body []byte) string {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local
		}
	}
}
