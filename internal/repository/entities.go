package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"xquery/internal/cache"
	"xquery/internal/eth"
	"xquery/internal/models"
)

// entity cache expiry; token and factory rows never expire
const (
	blockTTL = 5 * time.Minute
	txTTL    = 5 * time.Minute
	userTTL  = time.Hour
)

// maxDecimals bounds the token precision the numeric pipeline supports.
const maxDecimals = 38

// Entities interns the rows every event references: blocks, transactions,
// tokens, users and factories. Reads go through the shared cache first.
// Creation is race safe across workers, a lost insert race falls back to a
// re-select of the winner's row.
type Entities struct {
	db     dbConn
	cache  cache.Cache
	client *eth.Client
}

// Entities returns an entity store bound to the RPC client that resolves
// missing blocks, transactions and token metadata.
func (r *Repository) Entities(client *eth.Client, cacheSvc cache.Cache) *Entities {
	return &Entities{db: r.db, cache: cacheSvc, client: client}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Block returns the block row for hash, fetching and inserting it when
// missing.
func (e *Entities) Block(ctx context.Context, hash common.Hash) (*models.Block, error) {
	key := "_block_" + hash.Hex()
	cached := &models.Block{}
	if ok, err := e.cache.Get(ctx, key, cached); err == nil && ok {
		return cached, nil
	}

	block := &models.Block{}
	err := e.db.QueryRow(ctx, `SELECT hash, number, timestamp FROM block WHERE hash = $1`, hash.Hex()).
		Scan(&block.Hash, &block.Number, &block.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		info, err := e.client.BlockByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch block '%s': %w", hash.Hex(), err)
		}
		block = &models.Block{
			Hash:      info.Hash.Hex(),
			Number:    uint64(info.Number),
			Timestamp: int64(info.Timestamp),
		}
		if block, err = e.insertBlock(ctx, block); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to select block '%s': %w", hash.Hex(), err)
	}

	if err := e.cache.Set(ctx, key, block, blockTTL); err != nil {
		log.Printf("[repository] Failed to cache block '%s': %v", block.Hash, err)
	}
	return block, nil
}

func (e *Entities) insertBlock(ctx context.Context, block *models.Block) (*models.Block, error) {
	_, err := e.db.Exec(ctx, `INSERT INTO block (hash, number, timestamp) VALUES ($1, $2, $3)`,
		block.Hash, block.Number, block.Timestamp)
	if err == nil {
		return block, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to insert block '%s': %w", block.Hash, err)
	}

	// a sibling worker won the insert race
	winner := &models.Block{}
	err = e.db.QueryRow(ctx, `SELECT hash, number, timestamp FROM block WHERE hash = $1`, block.Hash).
		Scan(&winner.Hash, &winner.Number, &winner.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to reread block '%s': %w", block.Hash, err)
	}
	return winner, nil
}

// Transaction returns the transaction row for hash, fetching and inserting
// it (and its block) when missing.
func (e *Entities) Transaction(ctx context.Context, hash common.Hash) (*models.Transaction, error) {
	key := "_transaction_" + hash.Hex()
	cached := &models.Transaction{}
	if ok, err := e.cache.Get(ctx, key, cached); err == nil && ok {
		return cached, nil
	}

	txn := &models.Transaction{}
	err := e.db.QueryRow(ctx, `SELECT hash, block_hash, from_address, timestamp FROM transaction WHERE hash = $1`, hash.Hex()).
		Scan(&txn.Hash, &txn.BlockHash, &txn.FromAddress, &txn.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		info, err := e.client.TransactionByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch transaction '%s': %w", hash.Hex(), err)
		}
		block, err := e.Block(ctx, info.BlockHash)
		if err != nil {
			return nil, err
		}
		txn = &models.Transaction{
			Hash:        info.Hash.Hex(),
			BlockHash:   block.Hash,
			FromAddress: info.From.Hex(),
			Timestamp:   block.Timestamp,
		}
		if txn, err = e.insertTransaction(ctx, txn); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to select transaction '%s': %w", hash.Hex(), err)
	}

	if err := e.cache.Set(ctx, key, txn, txTTL); err != nil {
		log.Printf("[repository] Failed to cache transaction '%s': %v", txn.Hash, err)
	}
	return txn, nil
}

func (e *Entities) insertTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error) {
	_, err := e.db.Exec(ctx, `INSERT INTO transaction (hash, block_hash, from_address, timestamp) VALUES ($1, $2, $3, $4)`,
		txn.Hash, txn.BlockHash, txn.FromAddress, txn.Timestamp)
	if err == nil {
		return txn, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to insert transaction '%s': %w", txn.Hash, err)
	}

	winner := &models.Transaction{}
	err = e.db.QueryRow(ctx, `SELECT hash, block_hash, from_address, timestamp FROM transaction WHERE hash = $1`, txn.Hash).
		Scan(&winner.Hash, &winner.BlockHash, &winner.FromAddress, &winner.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to reread transaction '%s': %w", txn.Hash, err)
	}
	return winner, nil
}

// Factory returns the factory row, inserting a zeroed one when missing.
func (e *Entities) Factory(ctx context.Context, address common.Address) (*models.Factory, error) {
	key := "_factory_" + address.Hex()
	cached := &models.Factory{}
	if ok, err := e.cache.Get(ctx, key, cached); err == nil && ok {
		return cached, nil
	}

	factory, err := e.selectFactory(ctx, address.Hex())
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = e.db.Exec(ctx, `INSERT INTO factory (address) VALUES ($1)`, address.Hex())
		if err != nil && !isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to insert factory '%s': %w", address.Hex(), err)
		}
		if factory, err = e.selectFactory(ctx, address.Hex()); err != nil {
			return nil, fmt.Errorf("failed to reread factory '%s': %w", address.Hex(), err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to select factory '%s': %w", address.Hex(), err)
	}

	if err := e.cache.Set(ctx, key, factory, 0); err != nil {
		log.Printf("[repository] Failed to cache factory '%s': %v", factory.Address, err)
	}
	return factory, nil
}

func (e *Entities) selectFactory(ctx context.Context, address string) (*models.Factory, error) {
	return scanFactory(e.db.QueryRow(ctx, `SELECT `+factoryColumns+` FROM factory WHERE address = $1`, address))
}

// Token returns the token row, mirroring contract metadata into a new row
// when missing. Contracts that fail the metadata calls are stored as
// unknown rather than failing the event.
func (e *Entities) Token(ctx context.Context, address common.Address) (*models.Token, error) {
	key := "_token_" + address.Hex()
	cached := &models.Token{}
	if ok, err := e.cache.Get(ctx, key, cached); err == nil && ok {
		return cached, nil
	}

	token, err := e.selectToken(ctx, address.Hex())
	if errors.Is(err, pgx.ErrNoRows) {
		info, err := e.client.TokenInfo(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch token '%s': %w", address.Hex(), err)
		}
		if info.Decimals > maxDecimals {
			return nil, fmt.Errorf("token '%s' has %d decimals, exceeding the supported %d",
				address.Hex(), info.Decimals, maxDecimals)
		}
		token = &models.Token{
			Address:     address.Hex(),
			Symbol:      info.Symbol,
			Name:        info.Name,
			Decimals:    info.Decimals,
			TotalSupply: decimal.NewFromBigInt(info.TotalSupply, 0),
		}
		if token, err = e.insertToken(ctx, token); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to select token '%s': %w", address.Hex(), err)
	}

	if err := e.cache.Set(ctx, key, token, 0); err != nil {
		log.Printf("[repository] Failed to cache token '%s': %v", token.Address, err)
	}
	return token, nil
}

func (e *Entities) selectToken(ctx context.Context, address string) (*models.Token, error) {
	return scanToken(e.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM token WHERE address = $1`, address))
}

func (e *Entities) insertToken(ctx context.Context, token *models.Token) (*models.Token, error) {
	_, err := e.db.Exec(ctx, `INSERT INTO token (address, symbol, name, decimals, total_supply) VALUES ($1, $2, $3, $4, $5)`,
		token.Address, token.Symbol, token.Name, token.Decimals, token.TotalSupply)
	if err == nil {
		return token, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to insert token '%s': %w", token.Address, err)
	}

	winner, err := e.selectToken(ctx, token.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to reread token '%s': %w", token.Address, err)
	}
	return winner, nil
}

// EnsureUser inserts a user row when missing.
func (e *Entities) EnsureUser(ctx context.Context, address common.Address) error {
	key := "_user_" + address.Hex()
	var seen bool
	if ok, err := e.cache.Get(ctx, key, &seen); err == nil && ok {
		return nil
	}

	_, err := e.db.Exec(ctx, `INSERT INTO "user" (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, address.Hex())
	if err != nil {
		return fmt.Errorf("failed to insert user '%s': %w", address.Hex(), err)
	}

	if err := e.cache.Set(ctx, key, true, userTTL); err != nil {
		log.Printf("[repository] Failed to cache user '%s': %v", address.Hex(), err)
	}
	return nil
}

// PairByAddress returns the pair row, or nil when not yet committed. Pairs
// are deliberately not cached here, callers poll this until the creating
// job commits.
func (e *Entities) PairByAddress(ctx context.Context, address common.Address) (*models.Pair, error) {
	pair, err := scanPair(e.db.QueryRow(ctx, `SELECT `+pairColumns+` FROM pair WHERE address = $1`, address.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pair '%s': %w", address.Hex(), err)
	}
	return pair, nil
}
