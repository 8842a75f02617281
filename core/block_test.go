package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func testBlockKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func TestBuildAndVerifyTransaction(t *testing.T) {
	key := testBlockKey(t)
	tx, err := NewTransaction(TransactionTypeCreate, key, []byte("Hello First Transaction"))
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	if err := tx.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !bytes.Equal(tx.Submitter, key.Public().(ed25519.PublicKey)) {
		t.Fatal("submitter is not the signing key")
	}
}

func TestTransactionTamperDetection(t *testing.T) {
	key := testBlockKey(t)
	tx, err := NewTransaction(TransactionTypeCreate, key, []byte("payload"))
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}

	tampered := *tx
	tampered.Payload = []byte("other payload")
	if err := tampered.Verify(); err == nil {
		t.Fatal("tampered payload passed verification")
	}

	tampered = *tx
	tampered.Signature = append([]byte(nil), tx.Signature...)
	tampered.Signature[0] ^= 0xff
	if err := tampered.Verify(); err == nil {
		t.Fatal("tampered signature passed verification")
	}
}

func TestBuildAndVerifyBlock(t *testing.T) {
	key := testBlockKey(t)
	tx, err := NewTransaction(TransactionTypeCreate, key, []byte("Hello First Transaction"))
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	parent := HashOf(SHA256, nil)
	block, err := NewBlock(parent.Bytes, 1, []*Transaction{tx}, key)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	if err := block.Verify(); err != nil {
		t.Fatalf("verify block: %v", err)
	}
	if block.Header.Ordinal != 1 {
		t.Fatalf("block ordinal %d, want 1", block.Header.Ordinal)
	}
}

func TestBlockTamperDetection(t *testing.T) {
	key := testBlockKey(t)
	tx, _ := NewTransaction(TransactionTypeCreate, key, []byte("data"))
	block, err := NewBlock(HashOf(SHA256, nil).Bytes, 1, []*Transaction{tx}, key)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Block)
	}{
		{"ordinal", func(b *Block) { b.Header.Ordinal = 7 }},
		{"parent hash", func(b *Block) { b.Header.ParentHash[0] ^= 0xff }},
		{"current hash", func(b *Block) { b.Header.CurrentHash[0] ^= 0xff }},
		{"signature", func(b *Block) { b.Signature[0] ^= 0xff }},
		{"author", func(b *Block) { b.Header.Author = make([]byte, ed25519.PublicKeySize) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clone := *block
			clone.Header.ParentHash = append([]byte(nil), block.Header.ParentHash...)
			clone.Header.CurrentHash = append([]byte(nil), block.Header.CurrentHash...)
			clone.Signature = append([]byte(nil), block.Signature...)
			tc.mutate(&clone)
			if err := clone.Verify(); err == nil {
				t.Fatalf("mutated block (%s) passed verification", tc.name)
			}
		})
	}
}

func TestGenesisBlock(t *testing.T) {
	key := testBlockKey(t)
	genesis, err := GenesisBlock(key)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if genesis.Header.Ordinal != 0 {
		t.Fatalf("genesis ordinal %d", genesis.Header.Ordinal)
	}
	if !bytes.Equal(genesis.Header.ParentHash, HashOf(SHA256, nil).Bytes) {
		t.Fatal("genesis parent hash is not the empty-input digest")
	}
	if err := genesis.Verify(); err != nil {
		t.Fatalf("verify genesis: %v", err)
	}
}
