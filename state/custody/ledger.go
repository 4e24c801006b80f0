package custody

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"paysettle/native/settlement"
	"paysettle/storage"
)

var (
	// ErrInsufficientBalance indicates the source account cannot cover the amount.
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
	// ErrInvalidAmount indicates a zero amount.
	ErrInvalidAmount = errors.New("custody: amount must be positive")
	// ErrInvalidAccount indicates a null account or asset.
	ErrInvalidAccount = errors.New("custody: invalid account")
	// ErrSameAccount indicates a transfer whose source and destination coincide.
	ErrSameAccount = errors.New("custody: source and destination are the same account")
)

var balancePrefix = []byte("custody/balance/")

// Move is one leg of an atomic ledger update.
type Move struct {
	Asset  settlement.Asset
	From   settlement.Identity
	To     settlement.Identity
	Amount settlement.Amount
}

// Ledger holds per-asset balances and applies every mutation all-or-nothing.
// It implements settlement.Custody.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

var _ settlement.Custody = (*Ledger)(nil)

// NewLedger wraps db. The ledger assumes exclusive ownership of the
// custody/balance/ key space.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// NewMemLedger returns a ledger backed by an in-memory store.
func NewMemLedger() *Ledger {
	return NewLedger(storage.NewMemDB())
}

// OpenLevelLedger opens (or creates) a LevelDB-backed ledger at path.
func OpenLevelLedger(path string) (*Ledger, error) {
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("custody: open leveldb: %w", err)
	}
	return NewLedger(db), nil
}

// Close releases the backing store.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Balance returns the balance of asset held by account.
func (l *Ledger) Balance(asset settlement.Asset, account settlement.Identity) (settlement.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(asset, account)
}

// Mint credits amount of asset to account without a source. It funds payer and
// liquidity accounts.
func (l *Ledger) Mint(_ context.Context, asset settlement.Asset, to settlement.Identity, amount settlement.Amount) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	if !asset.Valid() || to == settlement.ZeroIdentity {
		return ErrInvalidAccount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.balanceLocked(asset, to)
	if err != nil {
		return err
	}
	next, err := current.Add(amount)
	if err != nil {
		return err
	}
	return l.db.Batch([]storage.Write{{Key: balanceKey(asset, to), Value: encodeAmount(next)}})
}

// Transfer moves amount of asset between accounts.
func (l *Ledger) Transfer(_ context.Context, asset settlement.Asset, from, to settlement.Identity, amount settlement.Amount) error {
	return l.Apply(Move{Asset: asset, From: from, To: to, Amount: amount})
}

// Debit implements settlement.Custody.
func (l *Ledger) Debit(ctx context.Context, asset settlement.Asset, from, custodian settlement.Identity, amount settlement.Amount) error {
	return l.Transfer(ctx, asset, from, custodian, amount)
}

// Credit implements settlement.Custody.
func (l *Ledger) Credit(ctx context.Context, asset settlement.Asset, custodian, to settlement.Identity, amount settlement.Amount) error {
	return l.Transfer(ctx, asset, custodian, to, amount)
}

// Sweep implements settlement.Custody.
func (l *Ledger) Sweep(ctx context.Context, asset settlement.Asset, custodian, to settlement.Identity, amount settlement.Amount) error {
	return l.Transfer(ctx, asset, custodian, to, amount)
}

// Apply executes every move or none of them. Legs are applied in order, so a
// later leg may spend what an earlier leg delivered.
func (l *Ledger) Apply(moves ...Move) error {
	if len(moves) == 0 {
		return nil
	}
	for _, m := range moves {
		if m.Amount.IsZero() {
			return ErrInvalidAmount
		}
		if !m.Asset.Valid() || m.From == settlement.ZeroIdentity || m.To == settlement.ZeroIdentity {
			return ErrInvalidAccount
		}
		if m.From == m.To {
			return ErrSameAccount
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pending := make(map[string]settlement.Amount)
	order := make([]string, 0, 2*len(moves))
	load := func(asset settlement.Asset, account settlement.Identity) (string, settlement.Amount, error) {
		key := string(balanceKey(asset, account))
		if bal, ok := pending[key]; ok {
			return key, bal, nil
		}
		bal, err := l.balanceLocked(asset, account)
		if err != nil {
			return key, settlement.Amount{}, err
		}
		order = append(order, key)
		return key, bal, nil
	}
	for _, m := range moves {
		fromKey, fromBal, err := load(m.Asset, m.From)
		if err != nil {
			return err
		}
		if fromBal.Cmp(m.Amount) < 0 {
			return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, m.From.Hex(), fromBal, m.Asset, m.Amount)
		}
		if pending[fromKey], err = fromBal.Sub(m.Amount); err != nil {
			return err
		}
		toKey, toBal, err := load(m.Asset, m.To)
		if err != nil {
			return err
		}
		if pending[toKey], err = toBal.Add(m.Amount); err != nil {
			return err
		}
	}

	writes := make([]storage.Write, 0, len(order))
	for _, key := range order {
		writes = append(writes, storage.Write{Key: []byte(key), Value: encodeAmount(pending[key])})
	}
	if err := l.db.Batch(writes); err != nil {
		return fmt.Errorf("custody: commit: %w", err)
	}
	return nil
}

func (l *Ledger) balanceLocked(asset settlement.Asset, account settlement.Identity) (settlement.Amount, error) {
	raw, err := l.db.Get(balanceKey(asset, account))
	if errors.Is(err, storage.ErrNotFound) {
		return settlement.Amount{}, nil
	}
	if err != nil {
		return settlement.Amount{}, fmt.Errorf("custody: read balance: %w", err)
	}
	if len(raw) != 32 {
		return settlement.Amount{}, fmt.Errorf("custody: corrupt balance record for %s/%s", asset, account.Hex())
	}
	var buf [32]byte
	copy(buf[:], raw)
	return settlement.AmountFromBytes32(buf), nil
}

func balanceKey(asset settlement.Asset, account settlement.Identity) []byte {
	key := make([]byte, 0, len(balancePrefix)+len(asset)+1+40)
	key = append(key, balancePrefix...)
	key = append(key, string(asset)...)
	key = append(key, '/')
	key = append(key, hex.EncodeToString(account.Bytes())...)
	return key
}

func encodeAmount(a settlement.Amount) []byte {
	b := a.Bytes32()
	return b[:]
}
