package manifest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/graphnode/internal/infra/ipfs"
)

// linker reads files a manifest links to. Links are either IPFS paths or
// paths relative to the manifest itself.
type linker struct {
	base    string // directory or /ipfs/<cid> prefix of the manifest
	remote  bool
	fetcher ipfs.Fetcher
}

func isIPFS(link string) bool {
	return strings.HasPrefix(link, "/ipfs/") || strings.HasPrefix(link, "ipfs://")
}

func (l *linker) read(ctx context.Context, link string) ([]byte, error) {
	switch {
	case isIPFS(link):
		return l.cat(ctx, link)
	case l.remote:
		return l.cat(ctx, path.Join(l.base, link))
	default:
		if !filepath.IsAbs(link) {
			link = filepath.Join(l.base, link)
		}
		data, err := os.ReadFile(link)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", link, err)
		}
		return data, nil
	}
}

func (l *linker) cat(ctx context.Context, link string) ([]byte, error) {
	if l.fetcher == nil {
		return nil, fmt.Errorf("%w: %s needs an ipfs gateway", ErrInvalidManifest, link)
	}
	data, err := l.fetcher.Cat(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", link, err)
	}
	return data, nil
}

// Load reads and validates the manifest at location, a local path or an IPFS
// path. fetcher may be nil when nothing is fetched from IPFS.
func Load(ctx context.Context, location string, fetcher ipfs.Fetcher) (*Manifest, error) {
	var l *linker
	if isIPFS(location) {
		cid, err := ipfs.NormalizeCID(location)
		if err != nil {
			return nil, err
		}
		l = &linker{base: "/ipfs/" + path.Dir(cid), remote: true, fetcher: fetcher}
		if !strings.Contains(cid, "/") {
			l.base = "/ipfs/" + cid
		}
	} else {
		l = &linker{base: filepath.Dir(location), fetcher: fetcher}
	}

	data, err := l.read(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return parse(ctx, data, l)
}

// Parse builds a manifest from YAML whose local links are relative to dir.
func Parse(ctx context.Context, data []byte, dir string, fetcher ipfs.Fetcher) (*Manifest, error) {
	return parse(ctx, data, &linker{base: dir, fetcher: fetcher})
}

func parse(ctx context.Context, data []byte, l *linker) (*Manifest, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if len(f.DataSources) == 0 {
		return nil, fmt.Errorf("%w: no data sources", ErrInvalidManifest)
	}

	m := &Manifest{Templates: make(map[string]*DataSource)}
	names := make(map[string]bool)

	build := func(df DataSourceFile, template bool) (*DataSource, error) {
		if df.Name == "" {
			return nil, fmt.Errorf("%w: data source without name", ErrInvalidManifest)
		}
		if names[df.Name] {
			return nil, fmt.Errorf("%w: duplicate data source %q", ErrInvalidManifest, df.Name)
		}
		names[df.Name] = true

		if df.Network != "" {
			if m.Network != "" && m.Network != df.Network {
				return nil, fmt.Errorf("%w: data sources span networks %q and %q",
					ErrInvalidManifest, m.Network, df.Network)
			}
			m.Network = df.Network
		}

		ds, err := buildDataSource(ctx, df, l)
		if err != nil {
			return nil, fmt.Errorf("data source %q: %w", df.Name, err)
		}
		if template && ds.Address != nil {
			return nil, fmt.Errorf("%w: template %q must not have an address", ErrInvalidManifest, df.Name)
		}
		return ds, nil
	}

	for _, df := range f.DataSources {
		ds, err := build(df, false)
		if err != nil {
			return nil, err
		}
		m.DataSources = append(m.DataSources, ds)
	}
	for _, df := range f.Templates {
		ds, err := build(df, true)
		if err != nil {
			return nil, err
		}
		m.Templates[ds.Name] = ds
	}
	return m, nil
}

func buildDataSource(ctx context.Context, df DataSourceFile, l *linker) (*DataSource, error) {
	if df.Kind != "" && df.Kind != "ethereum" && df.Kind != "ethereum/contract" {
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrInvalidManifest, df.Kind)
	}

	ds := &DataSource{
		Name:       df.Name,
		StartBlock: df.Source.StartBlock,
		CodeName:   df.Mapping.File,
	}

	if df.Source.Address != "" {
		if !common.IsHexAddress(df.Source.Address) {
			return nil, fmt.Errorf("%w: bad address %q", ErrInvalidManifest, df.Source.Address)
		}
		addr := common.HexToAddress(df.Source.Address)
		ds.Address = &addr
	}

	var abiFile string
	for _, ref := range df.Mapping.ABIs {
		if ref.Name == df.Source.ABI {
			abiFile = ref.File
			break
		}
	}
	if abiFile == "" {
		return nil, fmt.Errorf("%w: abi %q not listed in mapping.abis", ErrInvalidManifest, df.Source.ABI)
	}
	raw, err := l.read(ctx, abiFile)
	if err != nil {
		return nil, err
	}
	ds.ABI, err = abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: parse abi %s: %v", ErrInvalidManifest, abiFile, err)
	}

	if df.Mapping.File == "" {
		return nil, fmt.Errorf("%w: mapping.file is required", ErrInvalidManifest)
	}
	ds.Code, err = l.read(ctx, df.Mapping.File)
	if err != nil {
		return nil, err
	}

	for _, h := range df.Mapping.EventHandlers {
		sig, err := canonicalSignature(h.Event)
		if err != nil {
			return nil, err
		}
		ev, ok := findEvent(ds.ABI, sig)
		if !ok {
			return nil, fmt.Errorf("%w: event %s not in abi", ErrInvalidManifest, sig)
		}
		if h.Handler == "" {
			return nil, fmt.Errorf("%w: event %s has no handler", ErrInvalidManifest, sig)
		}
		ds.EventHandlers = append(ds.EventHandlers, EventHandler{
			Signature: sig,
			Topic0:    ev.ID,
			Event:     ev,
			Handler:   h.Handler,
		})
	}

	for _, h := range df.Mapping.CallHandlers {
		sig, err := canonicalSignature(h.Function)
		if err != nil {
			return nil, err
		}
		method, ok := findMethod(ds.ABI, sig)
		if !ok {
			return nil, fmt.Errorf("%w: function %s not in abi", ErrInvalidManifest, sig)
		}
		if h.Handler == "" {
			return nil, fmt.Errorf("%w: function %s has no handler", ErrInvalidManifest, sig)
		}
		var selector [4]byte
		copy(selector[:], method.ID)
		ds.CallHandlers = append(ds.CallHandlers, CallHandler{
			Signature: sig,
			Selector:  selector,
			Method:    method,
			Handler:   h.Handler,
		})
	}

	for _, h := range df.Mapping.BlockHandlers {
		if h.Handler == "" {
			return nil, fmt.Errorf("%w: block handler without name", ErrInvalidManifest)
		}
		bh := BlockHandler{Handler: h.Handler}
		if h.Filter != nil {
			if h.Filter.Kind != "call" {
				return nil, fmt.Errorf("%w: unsupported block filter %q", ErrInvalidManifest, h.Filter.Kind)
			}
			bh.CallOnly = true
		}
		ds.BlockHandlers = append(ds.BlockHandlers, bh)
	}

	if len(ds.Handlers()) == 0 {
		return nil, fmt.Errorf("%w: no handlers", ErrInvalidManifest)
	}
	return ds, nil
}

func findEvent(a abi.ABI, sig string) (abi.Event, bool) {
	for _, ev := range a.Events {
		if ev.Sig == sig {
			return ev, true
		}
	}
	return abi.Event{}, false
}

func findMethod(a abi.ABI, sig string) (abi.Method, bool) {
	for _, m := range a.Methods {
		if m.Sig == sig {
			return m, true
		}
	}
	return abi.Method{}, false
}
