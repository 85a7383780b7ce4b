package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const tokenABI = `[
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},{"name":"value","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const tokenManifest = `
specVersion: 0.0.5
dataSources:
  - kind: ethereum/contract
    name: Token
    network: mainnet
    source:
      address: "0x00000000000000000000000000000000000000aa"
      abi: Token
      startBlock: 100
    mapping:
      file: ./token.lua
      abis:
        - name: Token
          file: ./Token.json
      eventHandlers:
        - event: Transfer(indexed address,indexed address,indexed uint256)
          handler: handleTransfer
      callHandlers:
        - function: transfer(address,uint256)
          handler: handleTransferCall
      blockHandlers:
        - handler: handleBlock
          filter:
            kind: call
templates:
  - kind: ethereum/contract
    name: Pair
    network: mainnet
    source:
      abi: Token
    mapping:
      file: ./token.lua
      abis:
        - name: Token
          file: ./Token.json
      eventHandlers:
        - event: Transfer(address,address,uint256)
          handler: handlePair
`

type stubFetcher map[string]string

func (s stubFetcher) Cat(ctx context.Context, cid string) ([]byte, error) {
	d, ok := s[cid]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(d), nil
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoad_Local(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"subgraph.yaml": tokenManifest,
		"Token.json":    tokenABI,
		"token.lua":     "function handleTransfer(event, host) end",
	})

	m, err := Load(context.Background(), filepath.Join(dir, "subgraph.yaml"), nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Network != "mainnet" {
		t.Errorf("network = %q", m.Network)
	}
	if len(m.DataSources) != 1 {
		t.Fatalf("expected 1 data source, got %d", len(m.DataSources))
	}

	ds := m.DataSources[0]
	if ds.Address == nil || *ds.Address != common.HexToAddress("0xaa") {
		t.Errorf("address = %v", ds.Address)
	}
	if ds.StartBlock != 100 {
		t.Errorf("start block = %d", ds.StartBlock)
	}

	wantTopic := crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	if len(ds.EventHandlers) != 1 || ds.EventHandlers[0].Topic0 != wantTopic {
		t.Errorf("unexpected event handlers %+v", ds.EventHandlers)
	}

	wantSel := crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	if len(ds.CallHandlers) != 1 || string(ds.CallHandlers[0].Selector[:]) != string(wantSel) {
		t.Errorf("unexpected call handlers %+v", ds.CallHandlers)
	}
	if len(ds.BlockHandlers) != 1 || !ds.BlockHandlers[0].CallOnly {
		t.Errorf("unexpected block handlers %+v", ds.BlockHandlers)
	}
	if !strings.Contains(string(ds.Code), "handleTransfer") {
		t.Errorf("mapping code not loaded")
	}

	tpl, ok := m.Template("Pair")
	if !ok || tpl.Address != nil {
		t.Fatalf("template missing or has address: %+v", tpl)
	}
	inst := tpl.Instantiate(common.HexToAddress("0xbb"), 120)
	if inst.StartBlock != 120 || inst.Template != "Pair" || !inst.Matches(common.HexToAddress("0xbb")) {
		t.Errorf("unexpected instance %+v", inst)
	}
	if tpl.Address != nil {
		t.Error("Instantiate mutated the template")
	}
}

func TestLoad_IPFS(t *testing.T) {
	root := "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	abiLink := "/ipfs/QmTokenAbiTokenAbiTokenAbiTokenAbiTokenAbi1234"
	fetcher := stubFetcher{
		"/ipfs/" + root:                strings.ReplaceAll(tokenManifest, "./Token.json", abiLink),
		abiLink:                        tokenABI,
		"/ipfs/" + root + "/token.lua": "function handleTransfer(event, host) end",
	}

	m, err := Load(context.Background(), "/ipfs/"+root, fetcher)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.DataSources) != 1 || len(m.Templates) != 1 {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if !strings.Contains(string(m.DataSources[0].Code), "handleTransfer") {
		t.Errorf("mapping code not fetched")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
	}{
		{"unknown event", [2]string{"Transfer(indexed address,indexed address,indexed uint256)", "Approval(address,address,uint256)"}},
		{"bad address", [2]string{"0x00000000000000000000000000000000000000aa", "0xnothex"}},
		{"missing abi ref", [2]string{"abi: Token\n      startBlock", "abi: Other\n      startBlock"}},
		{"bad block filter", [2]string{"kind: call", "kind: polling"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeFiles(t, map[string]string{
				"subgraph.yaml": strings.Replace(tokenManifest, tt.replace[0], tt.replace[1], 1),
				"Token.json":    tokenABI,
				"token.lua":     "",
			})
			_, err := Load(context.Background(), filepath.Join(dir, "subgraph.yaml"), nil)
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("expected ErrInvalidManifest, got %v", err)
			}
		})
	}
}

func TestCanonicalSignature(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Transfer(indexed address,indexed address,uint256)", "Transfer(address,address,uint256)"},
		{"Swap(address indexed sender, uint256 amount0In)", "Swap(address,uint256)"},
		{"sync()", "sync()"},
		{"Mint(address,(uint256,address))", "Mint(address,(uint256,address))"},
	}
	for _, tt := range tests {
		got, err := canonicalSignature(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("canonicalSignature(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := canonicalSignature("broken"); !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("expected ErrInvalidManifest, got %v", err)
	}
}

func TestManifest_StartBlock(t *testing.T) {
	m := &Manifest{DataSources: []*DataSource{
		{Name: "A", StartBlock: 120},
		{Name: "B", StartBlock: 45},
		{Name: "C", StartBlock: 300},
	}}
	if got := m.StartBlock(); got != 45 {
		t.Errorf("StartBlock() = %d, want 45", got)
	}
	if got := (&Manifest{}).StartBlock(); got != 0 {
		t.Errorf("empty manifest StartBlock() = %d, want 0", got)
	}
}
