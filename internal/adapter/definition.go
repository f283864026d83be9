package adapter

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Definition types.
const (
	TypeHTML        = "html"
	TypeJSON        = "json"
	TypeXML         = "xml"
	TypeSpreadsheet = "spreadsheet"
	TypeFRED        = "fred"
	TypeXBRL        = "xbrl"
	TypeChain       = "chain"
)

// Definition declares one adapter. Site-specific selector tables live in
// YAML rather than code.
type Definition struct {
	ID         string        `yaml:"id"`
	Type       string        `yaml:"type"`
	Fields     []Field       `yaml:"fields,omitempty"`
	Series     []Series      `yaml:"series,omitempty"`
	Cells      []Cell        `yaml:"cells,omitempty"`
	CellSeries []CellSeries  `yaml:"cell_series,omitempty"`
	FRED       []FREDSeries  `yaml:"fred,omitempty"`
	XBRL       []XBRLConcept `yaml:"xbrl,omitempty"`
	// Members lists adapter IDs for chain definitions, in priority order.
	Members []string `yaml:"members,omitempty"`
}

// File is the top-level adapters YAML document.
type File struct {
	Adapters []Definition `yaml:"adapters"`
}

// LoadDefinitions reads adapter definitions from a YAML file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "adapter: read definitions %s", path)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions parses adapter definitions from YAML bytes.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "adapter: parse definitions")
	}
	return f.Adapters, nil
}

// Build constructs adapters from definitions into a new registry. Chains may
// only reference adapters defined before them.
func Build(defs []Definition, blocks BlockRegistry) (*Registry, error) {
	reg := NewRegistry()
	for _, d := range defs {
		if d.ID == "" {
			return nil, eris.New("adapter: definition missing id")
		}
		if reg.Get(d.ID) != nil {
			return nil, eris.Errorf("adapter: duplicate id %q", d.ID)
		}
		a, err := build(d, reg, blocks)
		if err != nil {
			return nil, err
		}
		reg.Register(a)
	}
	return reg, nil
}

func build(d Definition, reg *Registry, blocks BlockRegistry) (Adapter, error) {
	switch d.Type {
	case TypeHTML:
		return NewHTMLAdapter(d.ID, d.Fields, d.Series), nil
	case TypeJSON:
		return NewJSONAdapter(d.ID, d.Fields, d.Series), nil
	case TypeXML:
		return NewXMLAdapter(d.ID, d.Fields, d.Series), nil
	case TypeSpreadsheet:
		return NewSpreadsheetAdapter(d.ID, d.Cells, d.CellSeries), nil
	case TypeFRED:
		return NewFREDAdapter(d.ID, d.FRED...), nil
	case TypeXBRL:
		return NewXBRLAdapter(d.ID, d.XBRL...), nil
	case TypeChain:
		if len(d.Members) == 0 {
			return nil, eris.Errorf("adapter: chain %q has no members", d.ID)
		}
		members := make([]Adapter, 0, len(d.Members))
		for _, id := range d.Members {
			m, err := reg.Lookup(id)
			if err != nil {
				return nil, eris.Wrapf(err, "adapter: chain %q", d.ID)
			}
			members = append(members, m)
		}
		return NewChain(d.ID, blocks, members...), nil
	default:
		return nil, eris.Errorf("adapter: %q has unknown type %q", d.ID, d.Type)
	}
}
