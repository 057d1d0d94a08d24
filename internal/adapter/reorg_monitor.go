package adapter

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
)

// HeaderReader fetches block headers
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// ReorganisationMonitor remembers the hash of every block the executor has read data from.
// A later read that disagrees means the chain reorganised under us.
type ReorganisationMonitor struct {
	mu     sync.Mutex
	blocks map[uint64]common.Hash
	depth  uint64
	reader HeaderReader
	logger *logging.Logger
}

// NewReorganisationMonitor keeps up to depth blocks behind the highest one seen
func NewReorganisationMonitor(reader HeaderReader, depth uint64, logger *logging.Logger) *ReorganisationMonitor {
	if depth == 0 {
		depth = 128
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ReorganisationMonitor{
		blocks: make(map[uint64]common.Hash),
		depth:  depth,
		reader: reader,
		logger: logger.WithField("component", "reorg_monitor"),
	}
}

// CheckBlock records the hash of a block, or fails if a different hash was recorded before
func (m *ReorganisationMonitor) CheckBlock(number uint64, hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if known, ok := m.blocks[number]; ok {
		if known != hash {
			m.logger.WithFields(map[string]interface{}{
				"block": number,
				"was":   known.Hex(),
				"now":   hash.Hex(),
			}).Error("Chain reorganisation detected")
			return apperrors.NewChainReorganisationError(number, known.Hex(), hash.Hex())
		}
		return nil
	}
	m.blocks[number] = hash
	m.prune(number)
	return nil
}

func (m *ReorganisationMonitor) prune(latest uint64) {
	if latest < m.depth {
		return
	}
	floor := latest - m.depth
	for n := range m.blocks {
		if n < floor {
			delete(m.blocks, n)
		}
	}
}

// Verify re-reads the headers of every remembered block and compares hashes
func (m *ReorganisationMonitor) Verify(ctx context.Context) error {
	m.mu.Lock()
	numbers := make([]uint64, 0, len(m.blocks))
	for n := range m.blocks {
		numbers = append(numbers, n)
	}
	m.mu.Unlock()
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	for _, n := range numbers {
		h, err := m.reader.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return apperrors.NewChainError("eth_getBlockByNumber", err)
		}
		if err := m.CheckBlock(n, h.Hash()); err != nil {
			return err
		}
	}
	return nil
}

// Tracked returns how many blocks are remembered
func (m *ReorganisationMonitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}
