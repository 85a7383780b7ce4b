// Package manifest loads deployment manifests: the data sources, templates,
// ABIs and mapping code a deployment indexes with.
package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// File is the YAML layout of a manifest.
type File struct {
	SpecVersion string           `yaml:"specVersion"`
	Description string           `yaml:"description"`
	DataSources []DataSourceFile `yaml:"dataSources"`
	Templates   []DataSourceFile `yaml:"templates"`
}

type DataSourceFile struct {
	Kind    string      `yaml:"kind"`
	Name    string      `yaml:"name"`
	Network string      `yaml:"network"`
	Source  SourceFile  `yaml:"source"`
	Mapping MappingFile `yaml:"mapping"`
}

type SourceFile struct {
	Address    string `yaml:"address"`
	ABI        string `yaml:"abi"`
	StartBlock uint64 `yaml:"startBlock"`
}

type MappingFile struct {
	File          string             `yaml:"file"`
	Entities      []string           `yaml:"entities"`
	ABIs          []ABIRef           `yaml:"abis"`
	EventHandlers []EventHandlerFile `yaml:"eventHandlers"`
	CallHandlers  []CallHandlerFile  `yaml:"callHandlers"`
	BlockHandlers []BlockHandlerFile `yaml:"blockHandlers"`
}

type ABIRef struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
}

type EventHandlerFile struct {
	Event   string `yaml:"event"`
	Handler string `yaml:"handler"`
}

type CallHandlerFile struct {
	Function string `yaml:"function"`
	Handler  string `yaml:"handler"`
}

type BlockHandlerFile struct {
	Handler string           `yaml:"handler"`
	Filter  *BlockFilterFile `yaml:"filter"`
}

type BlockFilterFile struct {
	Kind string `yaml:"kind"`
}

// Manifest is a loaded and validated manifest.
type Manifest struct {
	Network     string
	DataSources []*DataSource
	Templates   map[string]*DataSource
}

// StartBlock returns the lowest start block of the data sources.
func (m *Manifest) StartBlock() uint64 {
	var start uint64
	for i, ds := range m.DataSources {
		if i == 0 || ds.StartBlock < start {
			start = ds.StartBlock
		}
	}
	return start
}

// Template returns the template with the given name.
func (m *Manifest) Template(name string) (*DataSource, bool) {
	t, ok := m.Templates[name]
	return t, ok
}

// EventHandler binds a log signature to a mapping function.
type EventHandler struct {
	Signature string
	Topic0    common.Hash
	Event     abi.Event
	Handler   string
}

// CallHandler binds a function selector to a mapping function.
type CallHandler struct {
	Signature string
	Selector  [4]byte
	Method    abi.Method
	Handler   string
}

// BlockHandler runs once per block. With CallOnly it only runs for blocks
// containing a call to the source address.
type BlockHandler struct {
	Handler  string
	CallOnly bool
}

// DataSource is an immutable, ready-to-match subscription.
type DataSource struct {
	Name       string
	Address    *common.Address // nil matches every address
	StartBlock uint64
	ABI        abi.ABI
	CodeName   string
	Code       []byte

	EventHandlers []EventHandler
	CallHandlers  []CallHandler
	BlockHandlers []BlockHandler

	// Template is the name of the template this source was created from.
	Template string
}

// Instantiate creates a dynamic data source from a template.
func (t *DataSource) Instantiate(address common.Address, createdAt uint64) *DataSource {
	ds := *t
	ds.Address = &address
	ds.StartBlock = createdAt
	ds.Template = t.Name
	return &ds
}

// Key identifies the source within a deployment.
func (ds *DataSource) Key() string {
	if ds.Address == nil {
		return ds.Name
	}
	return ds.Name + "@" + strings.ToLower(ds.Address.Hex())
}

// Matches reports whether the source listens to address.
func (ds *DataSource) Matches(address common.Address) bool {
	return ds.Address == nil || *ds.Address == address
}

// Handlers lists the names of every mapping function the source invokes.
func (ds *DataSource) Handlers() []string {
	var out []string
	for _, h := range ds.EventHandlers {
		out = append(out, h.Handler)
	}
	for _, h := range ds.CallHandlers {
		out = append(out, h.Handler)
	}
	for _, h := range ds.BlockHandlers {
		out = append(out, h.Handler)
	}
	return out
}

// canonicalSignature strips parameter names and `indexed` markers:
// "Transfer(indexed address from, address, uint256)" → "Transfer(address,address,uint256)".
func canonicalSignature(sig string) (string, error) {
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return "", fmt.Errorf("%w: malformed signature %q", ErrInvalidManifest, sig)
	}
	name := strings.TrimSpace(sig[:open])
	inner := strings.TrimSpace(sig[open+1 : len(sig)-1])
	if inner == "" {
		return name + "()", nil
	}

	var types []string
	for _, p := range splitParams(inner) {
		fields := strings.Fields(p)
		var typ string
		for _, f := range fields {
			if f == "indexed" {
				continue
			}
			typ = f
			break
		}
		if typ == "" {
			return "", fmt.Errorf("%w: malformed signature %q", ErrInvalidManifest, sig)
		}
		types = append(types, typ)
	}
	return name + "(" + strings.Join(types, ",") + ")", nil
}

// splitParams splits on top-level commas so tuple types stay intact.
func splitParams(s string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}
