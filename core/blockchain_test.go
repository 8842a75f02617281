package core

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestChain(t *testing.T) (*Blockchain, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blockchain.json")
	bc, err := NewBlockchain(path, testBlockKey(t))
	if err != nil {
		t.Fatalf("new blockchain: %v", err)
	}
	return bc, path
}

func TestFreshChainHasGenesis(t *testing.T) {
	bc, _ := newTestChain(t)
	defer bc.Close()
	if bc.Length() != 1 {
		t.Fatalf("fresh chain length %d, want 1", bc.Length())
	}
	if bc.Tail().Header.Ordinal != 0 {
		t.Fatalf("tail ordinal %d, want 0", bc.Tail().Header.Ordinal)
	}
}

func TestTwoBlockBuild(t *testing.T) {
	key := testBlockKey(t)
	path := filepath.Join(t.TempDir(), "blockchain.json")
	bc, err := NewBlockchain(path, key)
	if err != nil {
		t.Fatalf("new blockchain: %v", err)
	}
	defer bc.Close()

	tx1, _ := NewTransaction(TransactionTypeCreate, key, []byte("Hello First Transaction"))
	b1, err := NewBlock(bc.Tail().Header.CurrentHash, 1, []*Transaction{tx1}, key)
	if err != nil {
		t.Fatalf("build block 1: %v", err)
	}
	if err := bc.append(b1); err != nil {
		t.Fatalf("append block 1: %v", err)
	}

	tx2, _ := NewTransaction(TransactionTypeCreate, key, []byte("Hello First Transaction"))
	b2, err := NewBlock(bc.Tail().Header.CurrentHash, 2, []*Transaction{tx2}, key)
	if err != nil {
		t.Fatalf("build block 2: %v", err)
	}
	if err := bc.append(b2); err != nil {
		t.Fatalf("append block 2: %v", err)
	}

	if err := bc.Validate(); err != nil {
		t.Fatalf("validate chain: %v", err)
	}
	if bc.Length() != 3 {
		t.Fatalf("chain length %d, want 3 including genesis", bc.Length())
	}
	if !bytes.Equal(b2.Header.ParentHash, b1.Header.CurrentHash) {
		t.Fatal("block 2 parent is not block 1")
	}
}

func TestChainReplay(t *testing.T) {
	key := testBlockKey(t)
	path := filepath.Join(t.TempDir(), "blockchain.json")
	bc, err := NewBlockchain(path, key)
	if err != nil {
		t.Fatalf("new blockchain: %v", err)
	}
	tx, _ := NewTransaction(TransactionTypeCreate, key, []byte("persisted"))
	b1, _ := NewBlock(bc.Tail().Header.CurrentHash, 1, []*Transaction{tx}, key)
	if err := bc.append(b1); err != nil {
		t.Fatalf("append: %v", err)
	}
	tailHash := append([]byte(nil), bc.Tail().Header.CurrentHash...)
	bc.Close()

	reopened, err := NewBlockchain(path, key)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Length() != 2 {
		t.Fatalf("replayed length %d, want 2", reopened.Length())
	}
	if !bytes.Equal(reopened.Tail().Header.CurrentHash, tailHash) {
		t.Fatal("replayed tail differs")
	}
}

func TestChainReplayTruncatedTrailingRecord(t *testing.T) {
	key := testBlockKey(t)
	path := filepath.Join(t.TempDir(), "blockchain.json")
	bc, err := NewBlockchain(path, key)
	if err != nil {
		t.Fatalf("new blockchain: %v", err)
	}
	tx, _ := NewTransaction(TransactionTypeCreate, key, []byte("kept"))
	b1, _ := NewBlock(bc.Tail().Header.CurrentHash, 1, []*Transaction{tx}, key)
	if err := bc.append(b1); err != nil {
		t.Fatalf("append: %v", err)
	}
	bc.Close()

	// Simulate a crash mid-write: append half a JSON record without a
	// trailing newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open chain file: %v", err)
	}
	if _, err := f.WriteString(`{"header":{"parent_hash":"trunc`); err != nil {
		t.Fatalf("write partial record: %v", err)
	}
	f.Close()

	reopened, err := NewBlockchain(path, key)
	if err != nil {
		t.Fatalf("reopen after truncation: %v", err)
	}
	defer reopened.Close()
	if reopened.Length() != 2 {
		t.Fatalf("replayed length %d, want the longest verifiable prefix of 2", reopened.Length())
	}
	if err := reopened.Validate(); err != nil {
		t.Fatalf("validate after truncation recovery: %v", err)
	}
}

func TestAcceptRejectsBadBlocks(t *testing.T) {
	key := testBlockKey(t)
	bc, _ := newTestChain(t)
	defer bc.Close()

	// Wrong ordinal.
	skip, _ := NewBlock(bc.Tail().Header.CurrentHash, 5, nil, key)
	if err := bc.accept(skip); err == nil {
		t.Fatal("accepted block with gap ordinal")
	}

	// Wrong parent hash.
	wrongParent, _ := NewBlock(HashOf(SHA256, []byte("other")).Bytes, 1, nil, key)
	if err := bc.accept(wrongParent); err == nil {
		t.Fatal("accepted block with wrong parent")
	}

	// Valid block still goes through afterwards.
	good, _ := NewBlock(bc.Tail().Header.CurrentHash, 1, nil, key)
	if err := bc.accept(good); err != nil {
		t.Fatalf("valid block rejected: %v", err)
	}
}

func TestBlockRange(t *testing.T) {
	key := testBlockKey(t)
	path := filepath.Join(t.TempDir(), "blockchain.json")
	bc, err := NewBlockchain(path, key)
	if err != nil {
		t.Fatalf("new blockchain: %v", err)
	}
	defer bc.Close()
	for i := Ordinal(1); i <= 4; i++ {
		b, _ := NewBlock(bc.Tail().Header.CurrentHash, i, nil, key)
		if err := bc.append(b); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	tests := []struct {
		from, to Ordinal
		want     int
	}{
		{1, 3, 3},
		{0, 10, 5},
		{4, 4, 1},
		{3, 1, 0},
	}
	for _, tc := range tests {
		if got := len(bc.BlockRange(tc.from, tc.to)); got != tc.want {
			t.Fatalf("BlockRange(%d, %d) returned %d blocks, want %d", tc.from, tc.to, got, tc.want)
		}
	}
}
