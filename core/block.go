package core

// Block and transaction structures for the proof-of-authority transparency
// chain. Hashes are SHA-256 over the canonical JSON of the hashed fields;
// signatures are ed25519 over the canonical encoding of the hash, by the
// transaction submitter or the block author respectively.

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// TransactionType tags the payload carried by a transaction.
type TransactionType string

const (
	TransactionTypeCreate TransactionType = "Create"
)

// Ordinal is the monotonic position of a block in the chain, genesis at 0.
type Ordinal uint64

// Transaction wraps one transparency-log payload with the submitter's
// signature. Submitter is the raw 32-byte ed25519 public key.
type Transaction struct {
	Type            TransactionType `json:"type"`
	Submitter       []byte          `json:"submitter"`
	TimestampMS     int64           `json:"timestamp_ms"`
	Payload         []byte          `json:"payload"`
	Nonce           uint64          `json:"nonce"`
	TransactionHash []byte          `json:"transaction_hash"`
	Signature       []byte          `json:"signature"`
}

// transactionHashFields is the subset the transaction hash covers.
type transactionHashFields struct {
	Type        TransactionType `json:"type"`
	Submitter   []byte          `json:"submitter"`
	TimestampMS int64           `json:"timestamp_ms"`
	Payload     []byte          `json:"payload"`
	Nonce       uint64          `json:"nonce"`
}

// NewTransaction hashes and signs a payload with the submitter key.
func NewTransaction(txType TransactionType, key ed25519.PrivateKey, payload []byte) (*Transaction, error) {
	pub := key.Public().(ed25519.PublicKey)
	t := &Transaction{
		Type:        txType,
		Submitter:   append([]byte(nil), pub...),
		TimestampMS: time.Now().UTC().UnixMilli(),
		Payload:     append([]byte(nil), payload...),
		Nonce:       randomNonce(),
	}
	hash, err := t.computeHash()
	if err != nil {
		return nil, err
	}
	t.TransactionHash = hash
	t.Signature = ed25519.Sign(key, hash)
	return t, nil
}

func (t *Transaction) computeHash() ([]byte, error) {
	raw, err := json.Marshal(transactionHashFields{
		Type:        t.Type,
		Submitter:   t.Submitter,
		TimestampMS: t.TimestampMS,
		Payload:     t.Payload,
		Nonce:       t.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transaction fields: %w", err)
	}
	canonical, err := canonicalizeJSON(raw)
	if err != nil {
		return nil, err
	}
	return HashOf(SHA256, canonical).Bytes, nil
}

// Verify recomputes the transaction hash and checks the signature against
// the submitter key.
func (t *Transaction) Verify() error {
	hash, err := t.computeHash()
	if err != nil {
		return err
	}
	recomputed, _ := NewHash(SHA256, hash)
	claimed, err := NewHash(SHA256, t.TransactionHash)
	if err != nil {
		return fmt.Errorf("transaction hash: %w", err)
	}
	if !recomputed.Equal(claimed) {
		return fmt.Errorf("transaction hash does not recompute: %w", ErrInvalidBlock)
	}
	if len(t.Submitter) != ed25519.PublicKeySize {
		return fmt.Errorf("submitter key has %d bytes: %w", len(t.Submitter), ErrInvalidBlock)
	}
	if !ed25519.Verify(ed25519.PublicKey(t.Submitter), t.TransactionHash, t.Signature) {
		return fmt.Errorf("transaction signature does not verify: %w", ErrInvalidBlock)
	}
	return nil
}

// BlockHeader chains a block to its parent and commits to its transactions.
// Author is the raw 32-byte ed25519 public key of the block author.
type BlockHeader struct {
	ParentHash      []byte  `json:"parent_hash"`
	Author          []byte  `json:"author"`
	TransactionRoot []byte  `json:"transaction_root"`
	Ordinal         Ordinal `json:"ordinal"`
	Nonce           uint64  `json:"nonce"`
	CurrentHash     []byte  `json:"current_hash"`
}

type blockHeaderHashFields struct {
	ParentHash      []byte  `json:"parent_hash"`
	Author          []byte  `json:"author"`
	TransactionRoot []byte  `json:"transaction_root"`
	Ordinal         Ordinal `json:"ordinal"`
	Nonce           uint64  `json:"nonce"`
}

func (h *BlockHeader) computeHash() ([]byte, error) {
	raw, err := json.Marshal(blockHeaderHashFields{
		ParentHash:      h.ParentHash,
		Author:          h.Author,
		TransactionRoot: h.TransactionRoot,
		Ordinal:         h.Ordinal,
		Nonce:           h.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal header fields: %w", err)
	}
	canonical, err := canonicalizeJSON(raw)
	if err != nil {
		return nil, err
	}
	return HashOf(SHA256, canonical).Bytes, nil
}

// Block is a signed vector of transactions sealed by its author.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Signature    []byte         `json:"signature"`
}

// transactionRoot commits to the ordered transaction list.
func transactionRoot(transactions []*Transaction) ([]byte, error) {
	raw, err := json.Marshal(transactions)
	if err != nil {
		return nil, fmt.Errorf("marshal transactions: %w", err)
	}
	canonical, err := canonicalizeJSON(raw)
	if err != nil {
		return nil, err
	}
	return HashOf(SHA256, canonical).Bytes, nil
}

// NewBlock builds, hashes and signs a block with the author key.
func NewBlock(parentHash []byte, ordinal Ordinal, transactions []*Transaction, key ed25519.PrivateKey) (*Block, error) {
	root, err := transactionRoot(transactions)
	if err != nil {
		return nil, err
	}
	pub := key.Public().(ed25519.PublicKey)
	header := BlockHeader{
		ParentHash:      append([]byte(nil), parentHash...),
		Author:          append([]byte(nil), pub...),
		TransactionRoot: root,
		Ordinal:         ordinal,
		Nonce:           randomNonce(),
	}
	hash, err := header.computeHash()
	if err != nil {
		return nil, err
	}
	header.CurrentHash = hash
	return &Block{
		Header:       header,
		Transactions: transactions,
		Signature:    ed25519.Sign(key, hash),
	}, nil
}

// GenesisBlock produces the ordinal-0 block for a fresh chain. Its parent
// hash is the digest of the empty string.
func GenesisBlock(key ed25519.PrivateKey) (*Block, error) {
	empty := HashOf(SHA256, nil)
	return NewBlock(empty.Bytes, 0, nil, key)
}

// Verify checks the header hash, the author signature and every
// transaction. Chain linkage is the caller's job.
func (b *Block) Verify() error {
	hash, err := b.Header.computeHash()
	if err != nil {
		return err
	}
	recomputed, _ := NewHash(SHA256, hash)
	claimed, err := NewHash(SHA256, b.Header.CurrentHash)
	if err != nil {
		return fmt.Errorf("block %d current hash: %w", b.Header.Ordinal, err)
	}
	if !recomputed.Equal(claimed) {
		return fmt.Errorf("block %d current hash does not recompute: %w", b.Header.Ordinal, ErrInvalidBlock)
	}
	root, err := transactionRoot(b.Transactions)
	if err != nil {
		return err
	}
	claimedRoot, err := NewHash(SHA256, b.Header.TransactionRoot)
	if err != nil {
		return fmt.Errorf("block %d transaction root: %w", b.Header.Ordinal, err)
	}
	computedRoot, _ := NewHash(SHA256, root)
	if !computedRoot.Equal(claimedRoot) {
		return fmt.Errorf("block %d transaction root does not recompute: %w", b.Header.Ordinal, ErrInvalidBlock)
	}
	if len(b.Header.Author) != ed25519.PublicKeySize {
		return fmt.Errorf("block %d author key has %d bytes: %w", b.Header.Ordinal, len(b.Header.Author), ErrInvalidBlock)
	}
	if !ed25519.Verify(ed25519.PublicKey(b.Header.Author), b.Header.CurrentHash, b.Signature) {
		return fmt.Errorf("block %d signature does not verify: %w", b.Header.Ordinal, ErrInvalidBlock)
	}
	for i, tx := range b.Transactions {
		if err := tx.Verify(); err != nil {
			return fmt.Errorf("block %d transaction %d: %w", b.Header.Ordinal, i, err)
		}
	}
	return nil
}

func randomNonce() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is unrecoverable for a signing node.
		panic(fmt.Errorf("read random nonce: %w", err))
	}
	return binary.LittleEndian.Uint64(buf[:])
}
