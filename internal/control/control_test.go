package control

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vietddude/graphnode/internal/core/config"
	"github.com/vietddude/graphnode/internal/core/domain"
	"github.com/vietddude/graphnode/internal/indexing/health"
	"github.com/vietddude/graphnode/internal/indexing/indexer"
	"github.com/vietddude/graphnode/internal/infra/chain"
	"github.com/vietddude/graphnode/internal/infra/chain/chaintest"
)

const tokenABI = `[
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]}
]`

const tokenManifest = `
specVersion: 0.0.5
dataSources:
  - kind: ethereum/contract
    name: Token
    network: test
    source:
      address: "0x00000000000000000000000000000000000000aa"
      abi: Token
      startBlock: 1
    mapping:
      file: ./mapping.lua
      abis:
        - name: Token
          file: ./Token.json
      eventHandlers:
        - event: Transfer(indexed address,indexed address,indexed uint256)
          handler: handleTransfer
`

const goodMapping = `
function handleTransfer(event, host)
  host.store.set("Token", event.params.tokenId, { owner = event.params.to })
end
`

const badMapping = `
function handleTransfer(event, host)
  error("boom")
end
`

var (
	tokenAddr = common.HexToAddress("0xaa")
	alice     = common.HexToAddress("0xa11")
)

func writeDeployment(t *testing.T, mapping string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"subgraph.yaml": tokenManifest,
		"mapping.lua":   mapping,
		"Token.json":    tokenABI,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return filepath.Join(dir, "subgraph.yaml")
}

func transfer(to common.Address, id int64) domain.RawEvent {
	return domain.RawEvent{
		Kind:    domain.RawEventLog,
		Address: tokenAddr,
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
			{},
			common.BytesToHash(to.Bytes()),
			common.BigToHash(big.NewInt(id)),
		},
	}
}

func testConfig(t *testing.T) *config.AppConfig {
	return &config.AppConfig{
		Server: config.ServerConfig{Port: 0},
		Networks: []config.NetworkConfig{{
			Name:              "test",
			URL:               "memory://",
			ConfirmationDepth: 2,
			PollInterval:      5 * time.Millisecond,
			HeadCacheTTL:      time.Millisecond,
		}},
		Indexing: config.IndexingConfig{
			MaxBlockRetries:   0,
			RetryInitialDelay: time.Millisecond,
			RetryMaxDelay:     5 * time.Millisecond,
			FuelPerHandler:    1_000_000,
			HandlerTimeout:    5 * time.Second,
			MaxDynamicDepth:   4,
		},
		Deployments: []config.DeploymentConfig{
			{ID: "good", Manifest: writeDeployment(t, goodMapping), Network: "test"},
			{ID: "bad", Manifest: writeDeployment(t, badMapping), Network: "test"},
		},
	}
}

func newService(t *testing.T, cfg *config.AppConfig, c *chaintest.Chain) (*Service, *Stores) {
	t.Helper()
	stores, err := OpenStores(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenStores failed: %v", err)
	}
	dials := 0
	svc, err := New(context.Background(), cfg, Options{
		Stores: stores,
		Dialer: func(ctx context.Context, n config.NetworkConfig) (chain.Endpoint, error) {
			dials++
			return c, nil
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if dials != 1 {
		t.Errorf("dialed %d times, want one shared endpoint", dials)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, stores
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_FailedDeploymentDoesNotStopOthers(t *testing.T) {
	c := chaintest.New()
	c.Extend("b1", transfer(alice, 7))
	c.Extend("b2")

	cfg := testConfig(t)
	svc, stores := newService(t, cfg, c)

	feed, unsubscribe, err := svc.Subscribe("good", 16)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	eventually(t, "bad deployment to halt", func() bool {
		return errors.Is(svc.Err("bad"), indexer.ErrDeploymentFailed)
	})
	eventually(t, "good deployment to reach block 2", func() bool {
		st, _ := svc.Status("good")
		return st.Block != nil && *st.Block >= 2
	})

	// The good deployment keeps following the chain.
	c.Extend("b3")
	eventually(t, "good deployment to reach block 3", func() bool {
		st, _ := svc.Status("good")
		return st.Block != nil && *st.Block >= 3
	})

	got, err := stores.Store.Get(context.Background(), "good", domain.EntityKey{Type: "Token", ID: "7"}, 3)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got["owner"] != strings.ToLower(alice.Hex()) {
		t.Errorf("owner = %v", got["owner"])
	}

	select {
	case ev := <-feed:
		if ev.Deployment != "good" || ev.Block.Number != 1 {
			t.Errorf("first change = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("no change event for block 1")
	}

	bad, _ := svc.Status("bad")
	if bad.State != string(domain.CursorStateFailed) {
		t.Errorf("bad state = %s", bad.State)
	}
	reports, _ := stores.Failed.GetAll(context.Background(), "bad")
	if len(reports) != 1 || reports[0].FailureType != domain.FailureTypeHandler {
		t.Errorf("reports = %+v", reports)
	}

	report := svc.Health(context.Background())
	if report.Deployments["bad"].Status != health.StatusCritical {
		t.Errorf("bad health = %s", report.Deployments["bad"].Status)
	}
	if report.SystemStatus != health.StatusCritical {
		t.Errorf("system = %s", report.SystemStatus)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestService_PausedDeployment(t *testing.T) {
	c := chaintest.New()
	c.Extend("b1", transfer(alice, 7))

	cfg := testConfig(t)
	cfg.Deployments = cfg.Deployments[:1]
	cfg.Deployments[0].Paused = true
	svc, _ := newService(t, cfg, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	eventually(t, "deployment to pause", func() bool {
		st, _ := svc.Status("good")
		return st.State == string(domain.CursorStatePaused)
	})
	if st, _ := svc.Status("good"); st.Block != nil {
		t.Errorf("paused deployment indexed block %d", *st.Block)
	}

	if err := svc.Resume(ctx, "good"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	eventually(t, "deployment to index block 1", func() bool {
		st, _ := svc.Status("good")
		return st.Block != nil && *st.Block == 1
	})
}

func TestService_UnknownDeployment(t *testing.T) {
	cfg := testConfig(t)
	cfg.Deployments = cfg.Deployments[:1]
	svc, _ := newService(t, cfg, chaintest.New())

	if err := svc.Pause(context.Background(), "nope", ""); !errors.Is(err, ErrUnknownDeployment) {
		t.Errorf("Pause: %v", err)
	}
	if err := svc.Resume(context.Background(), "nope"); !errors.Is(err, ErrUnknownDeployment) {
		t.Errorf("Resume: %v", err)
	}
	if _, err := svc.Status("nope"); !errors.Is(err, ErrUnknownDeployment) {
		t.Errorf("Status: %v", err)
	}
	if _, _, err := svc.Subscribe("nope", 1); !errors.Is(err, ErrUnknownDeployment) {
		t.Errorf("Subscribe: %v", err)
	}
}

func TestNew_RejectsBadManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Deployments = []config.DeploymentConfig{
		{ID: "broken", Manifest: filepath.Join(t.TempDir(), "missing.yaml"), Network: "test"},
	}
	stores, err := OpenStores(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenStores failed: %v", err)
	}

	_, err = New(context.Background(), cfg, Options{
		Stores: stores,
		Dialer: func(ctx context.Context, n config.NetworkConfig) (chain.Endpoint, error) {
			return chaintest.New(), nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("New error = %v", err)
	}
}
