package core

// Blockchain service: the single goroutine that owns the chain and the
// transparency-log index. Every mutation arrives on the command channel, so
// the append-only invariant holds without locks. The same loop drives
// round-robin block authorship on an internal tick.

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const authorshipTick = 125 * time.Millisecond

// DefaultBlockTime paces block production after the initial delay.
const DefaultBlockTime = 2 * time.Second

// DefaultInitDelay is the startup grace period before the first block.
const DefaultInitDelay = 5 * time.Second

// TLResult is the reply to an AddArtifact submission, delivered once the
// enclosing block is accepted.
type TLResult struct {
	Entry *TransparencyLogEntry
	Err   error
}

// ChainStatus is a point-in-time snapshot for the node API.
type ChainStatus struct {
	Ordinal Ordinal `json:"ordinal"`
	Length  int     `json:"length"`
	Entries int     `json:"entries"`
}

// BlockBroadcaster publishes freshly authored blocks to the network. The
// network client implements it; the dependency points one way only.
type BlockBroadcaster interface {
	BroadcastBlock(ctx context.Context, b *Block) error
}

// BlockFetcher pulls a contiguous block range from a peer during catch-up.
type BlockFetcher interface {
	RequestBlocks(ctx context.Context, peer string, from, to Ordinal) ([]*Block, error)
}

type blockchainCommand interface{ isBlockchainCommand() }

type addArtifactCommand struct {
	req   AddArtifactRequest
	reply chan TLResult
}

type acceptBlockCommand struct {
	block  *Block
	source string
	reply  chan error
}

type getEntryCommand struct {
	packageType PackageType
	psaID       string
	reply       chan TLResult
}

type getByArtifactIDCommand struct {
	artifactID string
	reply      chan TLResult
}

type searchCommand struct {
	filter TransparencyLogFilter
	reply  chan []*TransparencyLogEntry
}

type statusCommand struct {
	reply chan ChainStatus
}

type blockRangeCommand struct {
	from, to Ordinal
	reply    chan []*Block
}

func (addArtifactCommand) isBlockchainCommand()     {}
func (acceptBlockCommand) isBlockchainCommand()     {}
func (getEntryCommand) isBlockchainCommand()        {}
func (getByArtifactIDCommand) isBlockchainCommand() {}
func (searchCommand) isBlockchainCommand()          {}
func (statusCommand) isBlockchainCommand()          {}
func (blockRangeCommand) isBlockchainCommand()      {}

// BlockchainService wires the chain, the transparency log and the authority
// schedule behind one command channel.
type BlockchainService struct {
	commands chan blockchainCommand

	chain       *Blockchain
	tlog        *TransparencyLog
	key         ed25519.PrivateKey
	publicKey   ed25519.PublicKey
	signingKey  *rsa.PrivateKey
	authorities [][]byte
	blockTime   time.Duration
	initDelay   time.Duration

	broadcaster BlockBroadcaster
	fetcher     BlockFetcher

	pendingTxs []*Transaction
	// pendingIDs guards against duplicate submissions that are waiting in
	// the pool but not yet sealed into a block.
	pendingIDs map[string]struct{}
	waiters    map[string]chan TLResult

	startTime  time.Time
	catchingUp bool
}

// BlockchainConfig bundles the constructor inputs.
type BlockchainConfig struct {
	ChainFilePath string
	Key           ed25519.PrivateKey
	SigningKey    *rsa.PrivateKey
	// Authorities is the fixed set of block-author public keys. The local
	// key is appended when absent.
	Authorities [][]byte
	BlockTime   time.Duration
	InitDelay   time.Duration
}

// NewBlockchainService opens the chain, rebuilds the transparency-log index
// by replaying it, and prepares the command loop. Run must be called for
// commands to be served.
func NewBlockchainService(cfg BlockchainConfig, tlog *TransparencyLog) (*BlockchainService, error) {
	chain, err := NewBlockchain(cfg.ChainFilePath, cfg.Key)
	if err != nil {
		return nil, err
	}
	pub := cfg.Key.Public().(ed25519.PublicKey)

	authorities := cfg.Authorities
	found := false
	for _, a := range authorities {
		if bytes.Equal(a, pub) {
			found = true
			break
		}
	}
	if !found {
		authorities = append(authorities, append([]byte(nil), pub...))
	}

	blockTime := cfg.BlockTime
	if blockTime <= 0 {
		blockTime = DefaultBlockTime
	}
	initDelay := cfg.InitDelay
	if initDelay <= 0 {
		initDelay = DefaultInitDelay
	}

	s := &BlockchainService{
		commands:    make(chan blockchainCommand, 64),
		chain:       chain,
		tlog:        tlog,
		key:         cfg.Key,
		publicKey:   pub,
		signingKey:  cfg.SigningKey,
		authorities: authorities,
		blockTime:   blockTime,
		initDelay:   initDelay,
		pendingIDs:  make(map[string]struct{}),
		waiters:     make(map[string]chan TLResult),
		startTime:   time.Now(),
	}
	s.rebuildIndex()
	return s, nil
}

// SetNetwork attaches the network handles once the swarm is up. Must be
// called before Run.
func (s *BlockchainService) SetNetwork(broadcaster BlockBroadcaster, fetcher BlockFetcher) {
	s.broadcaster = broadcaster
	s.fetcher = fetcher
}

// rebuildIndex replays every accepted block into the transparency log. The
// index is a pure function of the chain, so journaling is suppressed.
// Transactions that fail to fold (duplicates included) are skipped with a
// warning, exactly as on the live acceptance paths; a chain state the node
// accepted once must never brick a restart.
func (s *BlockchainService) rebuildIndex() {
	s.tlog.reset()
	s.tlog.journalWrites = false
	defer func() { s.tlog.journalWrites = true }()
	for _, b := range s.chain.Blocks() {
		for _, tx := range b.Transactions {
			if err := s.foldTransaction(tx); err != nil {
				logrus.Warnf("skip transaction in block %d during index rebuild: %v", b.Header.Ordinal, err)
			}
		}
	}
	logrus.Infof("transparency log rebuilt: %d entries from %d blocks",
		len(s.tlog.byPSAID), s.chain.Length())
}

// foldTransaction applies one accepted transaction to the index. A pending
// submitter waiting on this entry is resolved either way, so AddArtifact
// callers observe the real fold error instead of timing out.
func (s *BlockchainService) foldTransaction(tx *Transaction) error {
	entry, err := TransparencyLogEntryFromJSON(string(tx.Payload))
	if err != nil {
		return err
	}
	foldErr := s.tlog.addEntry(entry)
	if waiter, ok := s.waiters[entry.ID()]; ok {
		if foldErr != nil {
			waiter <- TLResult{Err: foldErr}
		} else {
			waiter <- TLResult{Entry: entry}
		}
		delete(s.waiters, entry.ID())
	}
	delete(s.pendingIDs, entry.PackageSpecificArtifactID())
	return foldErr
}

// Run serves commands and the authorship tick until ctx is done. It owns
// all chain and index state; nothing else may touch them.
func (s *BlockchainService) Run(ctx context.Context) {
	ticker := time.NewTicker(authorshipTick)
	defer ticker.Stop()
	defer s.chain.Close()

	for {
		select {
		case <-ctx.Done():
			s.failWaiters(ErrChannelClosed)
			return
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)
		case <-ticker.C:
			s.tryAuthorBlock(ctx)
		}
	}
}

func (s *BlockchainService) handleCommand(ctx context.Context, cmd blockchainCommand) {
	switch c := cmd.(type) {
	case addArtifactCommand:
		s.handleAddArtifact(c)
	case acceptBlockCommand:
		c.reply <- s.handleAcceptBlock(ctx, c.block, c.source)
	case getEntryCommand:
		entry, err := s.tlog.getArtifact(c.packageType, c.psaID)
		c.reply <- TLResult{Entry: entry, Err: err}
	case getByArtifactIDCommand:
		entry, err := s.tlog.getByArtifactID(c.artifactID)
		c.reply <- TLResult{Entry: entry, Err: err}
	case searchCommand:
		c.reply <- s.tlog.search(c.filter)
	case statusCommand:
		c.reply <- ChainStatus{
			Ordinal: s.chain.Tail().Header.Ordinal,
			Length:  s.chain.Length(),
			Entries: len(s.tlog.byPSAID),
		}
	case blockRangeCommand:
		c.reply <- s.chain.BlockRange(c.from, c.to)
	}
}

func (s *BlockchainService) handleAddArtifact(c addArtifactCommand) {
	if _, exists := s.tlog.byPSAID[c.req.PackageSpecificArtifactID]; exists {
		c.reply <- TLResult{Err: fmt.Errorf("transparency log id %q: %w", c.req.PackageSpecificArtifactID, ErrDuplicateID)}
		return
	}
	if _, pending := s.pendingIDs[c.req.PackageSpecificArtifactID]; pending {
		c.reply <- TLResult{Err: fmt.Errorf("transparency log id %q: %w", c.req.PackageSpecificArtifactID, ErrDuplicateID)}
		return
	}

	entry := s.tlog.newEntry(c.req, NodeID(s.publicKey), NodeID(s.publicKey))
	if err := entry.Sign(RS512, s.signingKey); err != nil {
		c.reply <- TLResult{Err: fmt.Errorf("sign transparency log entry: %w", err)}
		return
	}
	payload, _ := entry.JSON()
	tx, err := NewTransaction(TransactionTypeCreate, s.key, []byte(payload))
	if err != nil {
		c.reply <- TLResult{Err: fmt.Errorf("build transaction: %w", err)}
		return
	}

	s.pendingTxs = append(s.pendingTxs, tx)
	s.pendingIDs[c.req.PackageSpecificArtifactID] = struct{}{}
	s.waiters[entry.ID()] = c.reply
	logrus.WithFields(logrus.Fields{
		"id":          entry.PackageSpecificArtifactID(),
		"artifact_id": entry.ArtifactID(),
	}).Debug("transaction queued for next block")
}

// handleAcceptBlock applies a remote block. Stale ordinals are ignored;
// a gap triggers asynchronous catch-up from the announcing peer.
func (s *BlockchainService) handleAcceptBlock(ctx context.Context, b *Block, source string) error {
	tail := s.chain.Tail()
	switch {
	case b.Header.Ordinal <= tail.Header.Ordinal:
		return nil
	case b.Header.Ordinal == tail.Header.Ordinal+1:
		if err := s.chain.append(b); err != nil {
			return err
		}
		for _, tx := range b.Transactions {
			if err := s.foldTransaction(tx); err != nil {
				logrus.Warnf("fold transaction from block %d: %v", b.Header.Ordinal, err)
			}
		}
		return nil
	default:
		s.startCatchUp(ctx, source, tail.Header.Ordinal+1, b.Header.Ordinal)
		return nil
	}
}

// startCatchUp fetches the missing range and feeds the blocks back through
// the command channel, so acceptance stays serialized on the service loop.
func (s *BlockchainService) startCatchUp(ctx context.Context, source string, from, to Ordinal) {
	if s.fetcher == nil || source == "" || s.catchingUp {
		return
	}
	s.catchingUp = true
	client := s.Client()
	go func() {
		defer func() { s.catchingUp = false }()
		blocks, err := s.fetcher.RequestBlocks(ctx, source, from, to)
		if err != nil {
			logrus.Warnf("catch-up %d..%d from %s failed: %v", from, to, source, err)
			return
		}
		for _, blk := range blocks {
			if err := client.AcceptBlock(ctx, blk, ""); err != nil {
				logrus.Warnf("catch-up aborted at block %d: %v", blk.Header.Ordinal, err)
				return
			}
		}
	}()
}

// tryAuthorBlock seals the pending transactions when this node is the
// scheduled author for the next ordinal and the block cadence allows it.
func (s *BlockchainService) tryAuthorBlock(ctx context.Context) {
	if len(s.pendingTxs) == 0 {
		return
	}
	tail := s.chain.Tail()
	next := tail.Header.Ordinal + 1
	author := s.authorities[uint64(next)%uint64(len(s.authorities))]
	if !bytes.Equal(author, s.publicKey) {
		return
	}
	due := s.initDelay + time.Duration(uint64(next)-1)*s.blockTime
	if time.Since(s.startTime) < due {
		return
	}

	block, err := NewBlock(tail.Header.CurrentHash, next, s.pendingTxs, s.key)
	if err != nil {
		logrus.Errorf("author block %d: %v", next, err)
		return
	}
	if err := s.chain.append(block); err != nil {
		logrus.Errorf("append authored block %d: %v", next, err)
		return
	}
	for _, tx := range block.Transactions {
		if err := s.foldTransaction(tx); err != nil {
			logrus.Warnf("fold authored transaction: %v", err)
		}
	}
	s.pendingTxs = nil

	if s.broadcaster != nil {
		if err := s.broadcaster.BroadcastBlock(ctx, block); err != nil {
			logrus.Warnf("broadcast block %d: %v", next, err)
		}
	}
}

func (s *BlockchainService) failWaiters(err error) {
	for id, waiter := range s.waiters {
		waiter <- TLResult{Err: err}
		delete(s.waiters, id)
	}
}

// Client returns a cloneable handle for submitting commands.
func (s *BlockchainService) Client() *BlockchainClient {
	return &BlockchainClient{commands: s.commands}
}

// BlockchainClient is the request/reply façade over the service loop.
type BlockchainClient struct {
	commands chan blockchainCommand
}

// AddArtifact submits an admission and blocks until the enclosing block is
// accepted or ctx is done.
func (c *BlockchainClient) AddArtifact(ctx context.Context, req AddArtifactRequest) (*TransparencyLogEntry, error) {
	reply := make(chan TLResult, 1)
	select {
	case c.commands <- addArtifactCommand{req: req, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Entry, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetArtifact looks up an admitted entry by package coordinates.
func (c *BlockchainClient) GetArtifact(ctx context.Context, packageType PackageType, psaID string) (*TransparencyLogEntry, error) {
	reply := make(chan TLResult, 1)
	select {
	case c.commands <- getEntryCommand{packageType: packageType, psaID: psaID, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Entry, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetArtifactByID resolves the internal artifact handle.
func (c *BlockchainClient) GetArtifactByID(ctx context.Context, artifactID string) (*TransparencyLogEntry, error) {
	reply := make(chan TLResult, 1)
	select {
	case c.commands <- getByArtifactIDCommand{artifactID: artifactID, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Entry, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Search lists entries matching the filter.
func (c *BlockchainClient) Search(ctx context.Context, filter TransparencyLogFilter) ([]*TransparencyLogEntry, error) {
	reply := make(chan []*TransparencyLogEntry, 1)
	select {
	case c.commands <- searchCommand{filter: filter, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case entries := <-reply:
		return entries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptBlock hands a block received from the network to the service.
func (c *BlockchainClient) AcceptBlock(ctx context.Context, b *Block, source string) error {
	reply := make(chan error, 1)
	select {
	case c.commands <- acceptBlockCommand{block: b, source: source, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status snapshots chain height and index size.
func (c *BlockchainClient) Status(ctx context.Context) (ChainStatus, error) {
	reply := make(chan ChainStatus, 1)
	select {
	case c.commands <- statusCommand{reply: reply}:
	case <-ctx.Done():
		return ChainStatus{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return ChainStatus{}, ctx.Err()
	}
}

// BlockRange serves catch-up requests from peers.
func (c *BlockchainClient) BlockRange(ctx context.Context, from, to Ordinal) ([]*Block, error) {
	reply := make(chan []*Block, 1)
	select {
	case c.commands <- blockRangeCommand{from: from, to: to, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case blocks := <-reply:
		return blocks, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
