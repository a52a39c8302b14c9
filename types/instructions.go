package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/russross/blackfriday/v2"
	"golang.org/x/net/html"
)

const attachmentPrefix = "attachment:"

// BuildInstructions renders the notebook's markdown cells as a single HTML
// document for the assignment page. Images referencing cell attachments are
// inlined as data URIs, and script elements are dropped.
func (nb *Notebook) BuildInstructions() (string, error) {
	var markdown bytes.Buffer
	attachments := make(map[string]string)

	for _, cell := range nb.Cells {
		if cell.Type != CellTypeMarkdown {
			continue
		}
		markdown.WriteString(cell.Source)
		markdown.WriteString("\n\n")
		cell.collectAttachments(attachments)
	}
	if markdown.Len() == 0 {
		return "", nil
	}

	var extensions blackfriday.Extensions
	extensions |= blackfriday.NoIntraEmphasis
	extensions |= blackfriday.Tables
	extensions |= blackfriday.FencedCode
	extensions |= blackfriday.Autolink
	extensions |= blackfriday.Strikethrough
	extensions |= blackfriday.SpaceHeadings

	justHTML := blackfriday.Run(markdown.Bytes(), blackfriday.WithExtensions(extensions))

	// make sure it is well-formed utf8
	if !utf8.Valid(justHTML) {
		return "", fmt.Errorf("markdown cells are not valid utf8")
	}

	// parse the html
	doc, err := html.Parse(bytes.NewReader(justHTML))
	if err != nil {
		log.Printf("error parsing rendered instructions: %v", err)
		return "", err
	}

	// inline attachment images and drop script nodes
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			for i, a := range n.Attr {
				if a.Key != "src" || !strings.HasPrefix(a.Val, attachmentPrefix) {
					continue
				}
				name := strings.TrimPrefix(a.Val, attachmentPrefix)
				if uri, present := attachments[name]; present {
					a.Val = uri
					n.Attr[i] = a
				} else {
					log.Printf("image tag references missing attachment %s", name)
				}
			}
		}
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.ElementNode && c.Data == "script" {
				n.RemoveChild(c)
			} else {
				walk(c)
			}
			c = next
		}
	}
	walk(doc)

	// re-render it
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		log.Printf("error rendering instructions HTML: %v", err)
		return "", err
	}

	return buf.String(), nil
}

// collectAttachments decodes the cell's attachment map into data URIs keyed
// by attachment name. nbformat stores attachments as name -> mime -> base64.
func (cell *Cell) collectAttachments(into map[string]string) {
	if len(cell.Attachments) == 0 {
		return
	}
	var parsed map[string]map[string]string
	if err := json.Unmarshal(cell.Attachments, &parsed); err != nil {
		log.Printf("skipping malformed cell attachments: %v", err)
		return
	}
	for name, byMime := range parsed {
		for mime, data := range byMime {
			into[name] = fmt.Sprintf("data:%s;base64,%s", mime, data)
			break
		}
	}
}
