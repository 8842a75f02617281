package core

// The chain itself: ordered blocks, acceptance checks, and the append-only
// persistence file. Replay on startup re-verifies every block and tolerates
// a truncated trailing record, keeping the longest fully-verifiable prefix.

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Blockchain is the forward-chained, signed log of blocks. It is owned by
// the blockchain service goroutine; no internal locking.
type Blockchain struct {
	blocks   []*Block
	filePath string
	file     *os.File
}

// NewBlockchain opens (or creates) the chain file and replays it. When the
// file is empty a genesis block is produced from the node key and persisted.
func NewBlockchain(filePath string, key ed25519.PrivateKey) (*Blockchain, error) {
	bc := &Blockchain{filePath: filePath}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open blockchain file %q: %w", filePath, err)
	}
	bc.file = f

	if err := bc.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}

	if len(bc.blocks) == 0 {
		genesis, err := GenesisBlock(key)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("build genesis block: %w", err)
		}
		if err := bc.append(genesis); err != nil {
			_ = f.Close()
			return nil, err
		}
		logrus.Info("blockchain initialized with fresh genesis block")
	}
	return bc, nil
}

// replay reads the append-only file, re-verifying each block before it is
// trusted. A trailing partial record (crash mid-write) stops the replay at
// the longest verifiable prefix; the file is truncated to match.
func (bc *Blockchain) replay() error {
	if _, err := bc.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek blockchain file: %w", err)
	}
	reader := bufio.NewReader(bc.file)
	var validOffset int64
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var blk Block
			if jsonErr := json.Unmarshal(line, &blk); jsonErr != nil {
				if readErr != nil {
					// Crash mid-write left a partial trailing record.
					logrus.Warnf("blockchain file has a partial trailing record, keeping %d blocks", len(bc.blocks))
					break
				}
				return fmt.Errorf("corrupt blockchain record after block %d: %w", len(bc.blocks)-1, jsonErr)
			}
			if err := bc.accept(&blk); err != nil {
				return fmt.Errorf("replay block %d: %w", blk.Header.Ordinal, err)
			}
		}
		validOffset += int64(len(line))
		if readErr != nil {
			break
		}
	}
	if err := bc.file.Truncate(validOffset); err != nil {
		return fmt.Errorf("truncate blockchain file: %w", err)
	}
	if _, err := bc.file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek blockchain file end: %w", err)
	}
	return nil
}

// accept validates a block against the local tail and appends it in memory.
// Genesis (ordinal 0 on an empty chain) only needs self-verification.
func (bc *Blockchain) accept(b *Block) error {
	if len(bc.blocks) == 0 {
		if b.Header.Ordinal != 0 {
			return fmt.Errorf("first block has ordinal %d: %w", b.Header.Ordinal, ErrInvalidBlock)
		}
	} else {
		tail := bc.Tail()
		if b.Header.Ordinal != tail.Header.Ordinal+1 {
			return fmt.Errorf("block ordinal %d does not extend tail %d: %w",
				b.Header.Ordinal, tail.Header.Ordinal, ErrInvalidBlock)
		}
		if !bytes.Equal(b.Header.ParentHash, tail.Header.CurrentHash) {
			return fmt.Errorf("block %d parent hash mismatch: %w", b.Header.Ordinal, ErrInvalidBlock)
		}
	}
	if err := b.Verify(); err != nil {
		return err
	}
	bc.blocks = append(bc.blocks, b)
	return nil
}

// append accepts the block and persists it to the chain file.
func (bc *Blockchain) append(b *Block) error {
	if err := bc.accept(b); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		bc.blocks = bc.blocks[:len(bc.blocks)-1]
		return fmt.Errorf("marshal block %d: %w", b.Header.Ordinal, err)
	}
	if _, err := bc.file.Write(append(data, '\n')); err != nil {
		bc.blocks = bc.blocks[:len(bc.blocks)-1]
		return fmt.Errorf("write block %d: %w", b.Header.Ordinal, err)
	}
	if err := bc.file.Sync(); err != nil {
		logrus.Warnf("sync blockchain file: %v", err)
	}
	logrus.WithFields(logrus.Fields{
		"ordinal":      b.Header.Ordinal,
		"transactions": len(b.Transactions),
	}).Info("block appended")
	return nil
}

// Tail returns the newest block. The chain always holds at least genesis
// once NewBlockchain returns.
func (bc *Blockchain) Tail() *Block {
	if len(bc.blocks) == 0 {
		return nil
	}
	return bc.blocks[len(bc.blocks)-1]
}

// Length is the number of blocks including genesis.
func (bc *Blockchain) Length() int {
	return len(bc.blocks)
}

// Blocks returns the chain slice; callers must not mutate it.
func (bc *Blockchain) Blocks() []*Block {
	return bc.blocks
}

// BlockRange copies blocks with ordinals in [from, to], clamped to the
// chain. Used to serve catch-up requests.
func (bc *Blockchain) BlockRange(from, to Ordinal) []*Block {
	if len(bc.blocks) == 0 {
		return nil
	}
	if to >= Ordinal(len(bc.blocks)) {
		to = Ordinal(len(bc.blocks) - 1)
	}
	if from > to {
		return nil
	}
	out := make([]*Block, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, bc.blocks[i])
	}
	return out
}

// Validate re-verifies the full chain, including linkage.
func (bc *Blockchain) Validate() error {
	for i, b := range bc.blocks {
		if Ordinal(i) != b.Header.Ordinal {
			return fmt.Errorf("block at position %d has ordinal %d: %w", i, b.Header.Ordinal, ErrInvalidBlock)
		}
		if i > 0 && !bytes.Equal(b.Header.ParentHash, bc.blocks[i-1].Header.CurrentHash) {
			return fmt.Errorf("block %d parent hash mismatch: %w", i, ErrInvalidBlock)
		}
		if err := b.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the chain file.
func (bc *Blockchain) Close() error {
	if bc.file == nil {
		return nil
	}
	return bc.file.Close()
}
