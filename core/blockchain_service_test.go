package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pyrsia-network/internal/testutil"
)

func startTestService(t *testing.T) (*BlockchainService, *BlockchainClient, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	tlog, err := NewTransparencyLog(dir)
	if err != nil {
		t.Fatalf("new transparency log: %v", err)
	}
	svc, err := NewBlockchainService(BlockchainConfig{
		ChainFilePath: filepath.Join(dir, "blockchain.json"),
		Key:           testutil.BlockKeypair(t),
		SigningKey:    testutil.SigningKey(t),
		BlockTime:     50 * time.Millisecond,
		InitDelay:     50 * time.Millisecond,
	}, tlog)
	if err != nil {
		t.Fatalf("new blockchain service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	return svc, svc.Client(), cancel
}

func TestAddArtifactSealsIntoBlock(t *testing.T) {
	_, client, cancel := startTestService(t)
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ctxCancel()

	entry, err := client.AddArtifact(ctx, AddArtifactRequest{
		PackageType:               PackageTypeDocker,
		PackageSpecificID:         "alpine",
		PackageSpecificArtifactID: "sha256:0123",
		ArtifactHash:              HashOf(SHA256, []byte("blob")).HexDigest(),
		NumArtifacts:              1,
	})
	if err != nil {
		t.Fatalf("add artifact: %v", err)
	}
	if entry.ArtifactID() == "" || entry.ID() == "" {
		t.Fatal("entry misses generated ids")
	}
	if entry.Operation() != OperationAddArtifact {
		t.Fatalf("operation %s", entry.Operation())
	}
	if _, ok := entry.JSON(); !ok {
		t.Fatal("accepted entry is unsigned")
	}

	// The entry is only observable once its block was accepted, which
	// AddArtifact waits for.
	got, err := client.GetArtifact(ctx, PackageTypeDocker, "sha256:0123")
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if got.ArtifactID() != entry.ArtifactID() {
		t.Fatal("index returned a different entry")
	}

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Ordinal < 1 {
		t.Fatalf("chain ordinal %d, want at least 1", status.Ordinal)
	}
	if status.Entries != 1 {
		t.Fatalf("index holds %d entries, want 1", status.Entries)
	}
}

func TestDuplicateSubmissionFails(t *testing.T) {
	_, client, cancel := startTestService(t)
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ctxCancel()

	req := AddArtifactRequest{
		PackageType:               PackageTypeDocker,
		PackageSpecificID:         "alpine",
		PackageSpecificArtifactID: "sha256:dup",
		ArtifactHash:              HashOf(SHA256, []byte("x")).HexDigest(),
	}
	if _, err := client.AddArtifact(ctx, req); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := client.AddArtifact(ctx, req); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second add returned %v, want ErrDuplicateID", err)
	}
}

func TestIndexRebuiltFromChain(t *testing.T) {
	dir := t.TempDir()
	key := testutil.BlockKeypair(t)
	signing := testutil.SigningKey(t)
	chainPath := filepath.Join(dir, "blockchain.json")

	tlog, _ := NewTransparencyLog(dir)
	svc, err := NewBlockchainService(BlockchainConfig{
		ChainFilePath: chainPath,
		Key:           key,
		SigningKey:    signing,
		BlockTime:     50 * time.Millisecond,
		InitDelay:     50 * time.Millisecond,
	}, tlog)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	client := svc.Client()

	addCtx, addCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer addCancel()
	if _, err := client.AddArtifact(addCtx, AddArtifactRequest{
		PackageType:               PackageTypeMaven2,
		PackageSpecificID:         "g:a:1",
		PackageSpecificArtifactID: "g:a:1/a-1.jar",
		ArtifactHash:              HashOf(SHA256, []byte("jar")).HexDigest(),
	}); err != nil {
		t.Fatalf("add artifact: %v", err)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	// A fresh service over the same chain file must rebuild the identical
	// index without consulting the journal.
	tlog2, _ := NewTransparencyLog(dir)
	svc2, err := NewBlockchainService(BlockchainConfig{
		ChainFilePath: chainPath,
		Key:           key,
		SigningKey:    signing,
	}, tlog2)
	if err != nil {
		t.Fatalf("reopen service: %v", err)
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go svc2.Run(ctx2)

	getCtx, getCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer getCancel()
	entry, err := svc2.Client().GetArtifact(getCtx, PackageTypeMaven2, "g:a:1/a-1.jar")
	if err != nil {
		t.Fatalf("get after rebuild: %v", err)
	}
	if entry.PackageSpecificID() != "g:a:1" {
		t.Fatalf("rebuilt entry has package id %q", entry.PackageSpecificID())
	}
}

func TestRebuildToleratesDuplicateEntries(t *testing.T) {
	dir := t.TempDir()
	key := testutil.BlockKeypair(t)
	signing := testutil.SigningKey(t)
	chainPath := filepath.Join(dir, "blockchain.json")

	tlog, _ := NewTransparencyLog(dir)
	svc, err := NewBlockchainService(BlockchainConfig{
		ChainFilePath: chainPath,
		Key:           key,
		SigningKey:    signing,
	}, tlog)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	client := svc.Client()

	// Two remote blocks carrying the same package-specific artifact id.
	// The live path accepts both blocks and skips the duplicate fold.
	acceptCtx, acceptCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer acceptCancel()
	for ordinal := Ordinal(1); ordinal <= 2; ordinal++ {
		entry := testEntry("sha256:replayed-dup")
		entryJSON, err := entry.unsignedJSON()
		if err != nil {
			t.Fatalf("entry json: %v", err)
		}
		tx, err := NewTransaction(TransactionTypeCreate, key, entryJSON)
		if err != nil {
			t.Fatalf("build transaction: %v", err)
		}
		block, err := NewBlock(svc.chain.Tail().Header.CurrentHash, ordinal, []*Transaction{tx}, key)
		if err != nil {
			t.Fatalf("build block %d: %v", ordinal, err)
		}
		if err := client.AcceptBlock(acceptCtx, block, "peer"); err != nil {
			t.Fatalf("accept block %d: %v", ordinal, err)
		}
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	// A restart replays the same chain; the duplicate must be skipped,
	// not brick the boot.
	tlog2, _ := NewTransparencyLog(dir)
	svc2, err := NewBlockchainService(BlockchainConfig{
		ChainFilePath: chainPath,
		Key:           key,
		SigningKey:    signing,
	}, tlog2)
	if err != nil {
		t.Fatalf("restart after duplicate chain state: %v", err)
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go svc2.Run(ctx2)

	getCtx, getCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer getCancel()
	if _, err := svc2.Client().GetArtifact(getCtx, PackageTypeDocker, "sha256:replayed-dup"); err != nil {
		t.Fatalf("first entry lost during rebuild: %v", err)
	}
	status, err := svc2.Client().Status(getCtx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Length != 3 || status.Entries != 1 {
		t.Fatalf("rebuilt state length=%d entries=%d, want 3 blocks and 1 entry", status.Length, status.Entries)
	}
}

func TestStaleBlockIgnored(t *testing.T) {
	svc, client, cancel := startTestService(t)
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	// A block with an ordinal at or below the tail is silently ignored.
	stale, err := GenesisBlock(svc.key)
	if err != nil {
		t.Fatalf("build stale block: %v", err)
	}
	if err := client.AcceptBlock(ctx, stale, "peer"); err != nil {
		t.Fatalf("stale block was not ignored: %v", err)
	}
	status, _ := client.Status(ctx)
	if status.Length != 1 {
		t.Fatalf("chain grew on stale block: length %d", status.Length)
	}
}

func TestRemoteBlockAcceptance(t *testing.T) {
	svc, client, cancel := startTestService(t)
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	entry := testEntry("sha256:remote")
	entryJSON, err := entry.unsignedJSON()
	if err != nil {
		t.Fatalf("entry json: %v", err)
	}
	tx, err := NewTransaction(TransactionTypeCreate, svc.key, entryJSON)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	block, err := NewBlock(svc.chain.Tail().Header.CurrentHash, 1, []*Transaction{tx}, svc.key)
	if err != nil {
		t.Fatalf("build block: %v", err)
	}
	if err := client.AcceptBlock(ctx, block, "peer"); err != nil {
		t.Fatalf("accept block: %v", err)
	}

	got, err := client.GetArtifact(ctx, PackageTypeDocker, "sha256:remote")
	if err != nil {
		t.Fatalf("entry not folded from remote block: %v", err)
	}
	if got.PackageSpecificArtifactID() != "sha256:remote" {
		t.Fatal("wrong entry folded")
	}
}
