package adapter

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/datapack-cli/internal/model"
)

// XMLAdapter extracts fields from XML feeds. Paths are slash-separated local
// element names from the root, e.g. "feed/entry/content/properties/BC_10YEAR".
// A final "@name" segment reads an attribute.
type XMLAdapter struct {
	fieldSet
}

// NewXMLAdapter creates an XML adapter. Series.Path selects repeated
// elements; DatePath and ValuePath are relative to each.
func NewXMLAdapter(id string, fields []Field, series []Series) *XMLAdapter {
	return &XMLAdapter{fieldSet: newFieldSet(id, fields, series)}
}

type xmlNode struct {
	name     string
	attrs    map[string]string
	text     strings.Builder
	children []*xmlNode
}

// Adapt implements Adapter.
func (a *XMLAdapter) Adapt(ctx context.Context, fr *model.FetchResult, keys []model.Key, ticker string) (*model.AdaptResult, error) {
	if fr.IsHTML() || fr.IsJSON() {
		return model.NotFoundResult(keys, mismatch(a.id, "XML", fr)), nil
	}
	root, err := parseXML(ctx, fr.Body)
	if err != nil {
		return model.NotFoundResult(keys, fmt.Sprintf("%s: %v", a.id, err)), nil
	}

	res := model.NewAdaptResult()
	for _, k := range keys {
		if f, ok := a.fields[k]; ok {
			path := fillTicker(f.Path, ticker)
			if raw, ok := root.lookup(path); ok {
				if e, ok := a.scalar(f, raw, model.NewLocator(model.LocatorXMLPath, path, raw, fr.URL)); ok {
					if f.AsOfPath != "" {
						d, _ := root.lookup(fillTicker(f.AsOfPath, ticker))
						e.AsOf = asOf(d)
					}
					res.AddExtraction(e)
					continue
				}
			}
		}
		if s, ok := a.series[k]; ok {
			if h, ok := a.repeated(root, s, fr.URL, ticker); ok {
				res.AddHistorical(h)
				continue
			}
		}
		res.NotFound = append(res.NotFound, k)
	}
	return res, nil
}

func (a *XMLAdapter) repeated(root *xmlNode, s Series, url, ticker string) (model.HistoricalExtraction, bool) {
	path := fillTicker(s.Path, ticker)
	nodes := root.all(splitPath(path))
	if len(nodes) == 0 {
		return model.HistoricalExtraction{}, false
	}
	var periods []model.PeriodValue
	for _, n := range nodes {
		d, _ := n.lookup(s.DatePath)
		end := asOf(d)
		if end == nil {
			continue
		}
		raw, _ := n.lookup(s.ValuePath)
		if v, ok := seriesValue(s, raw); ok {
			periods = append(periods, model.PeriodValue{End: *end, Value: v})
		}
	}
	return a.historical(s, periods, model.NewLocator(model.LocatorXMLPath, path, "", url)), true
}

// parseXML builds a lightweight element tree. The returned node is a
// synthetic document node whose children are the root elements.
func parseXML(ctx context.Context, body []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	doc := &xmlNode{}
	stack := []*xmlNode{doc}
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "xml: context cancelled")
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "xml: read token")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local, attrs: make(map[string]string, len(t.Attr))}
			for _, at := range t.Attr {
				n.attrs[at.Name.Local] = at.Value
			}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			stack[len(stack)-1].text.Write(t)
		}
	}
	if len(doc.children) == 0 {
		return nil, eris.New("xml: empty document")
	}
	return doc, nil
}

func splitPath(path string) []string {
	var out []string
	for _, p := range strings.Split(strings.Trim(path, "/"), "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// all returns every node matching the element path segments.
func (n *xmlNode) all(segs []string) []*xmlNode {
	if len(segs) == 0 {
		return []*xmlNode{n}
	}
	var out []*xmlNode
	for _, c := range n.children {
		if c.name == segs[0] {
			out = append(out, c.all(segs[1:])...)
		}
	}
	return out
}

// lookup returns the trimmed text (or attribute) at path under n.
func (n *xmlNode) lookup(path string) (string, bool) {
	segs := splitPath(path)
	var attr string
	if len(segs) > 0 && strings.HasPrefix(segs[len(segs)-1], "@") {
		attr = strings.TrimPrefix(segs[len(segs)-1], "@")
		segs = segs[:len(segs)-1]
	}
	nodes := n.all(segs)
	if len(nodes) == 0 {
		return "", false
	}
	if attr != "" {
		v, ok := nodes[0].attrs[attr]
		return strings.TrimSpace(v), ok
	}
	return strings.TrimSpace(nodes[0].text.String()), true
}
