package custody

import (
	"context"
	"path/filepath"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"paysettle/native/settlement"
)

var (
	alice = ethcommon.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob   = ethcommon.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = ethcommon.HexToAddress("0x0000000000000000000000000000000000000ca1")
)

func mustBalance(t *testing.T, l *Ledger, asset settlement.Asset, who settlement.Identity) uint64 {
	t.Helper()
	bal, err := l.Balance(asset, who)
	require.NoError(t, err)
	n, ok := bal.Uint64()
	require.True(t, ok)
	return n
}

func TestLedgerTransfer(t *testing.T) {
	l := NewMemLedger()
	ctx := context.Background()
	require.NoError(t, l.Mint(ctx, "USDC", alice, settlement.NewAmount(100)))

	require.NoError(t, l.Transfer(ctx, "USDC", alice, bob, settlement.NewAmount(40)))
	require.EqualValues(t, 60, mustBalance(t, l, "USDC", alice))
	require.EqualValues(t, 40, mustBalance(t, l, "USDC", bob))
	require.EqualValues(t, 0, mustBalance(t, l, "EURC", bob))

	err := l.Transfer(ctx, "USDC", alice, bob, settlement.NewAmount(61))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.EqualValues(t, 60, mustBalance(t, l, "USDC", alice))

	require.ErrorIs(t, l.Transfer(ctx, "USDC", alice, alice, settlement.NewAmount(1)), ErrSameAccount)
	require.ErrorIs(t, l.Transfer(ctx, "USDC", alice, bob, settlement.Amount{}), ErrInvalidAmount)
	require.ErrorIs(t, l.Transfer(ctx, "", alice, bob, settlement.NewAmount(1)), ErrInvalidAccount)
	require.ErrorIs(t, l.Transfer(ctx, "USDC", alice, settlement.ZeroIdentity, settlement.NewAmount(1)), ErrInvalidAccount)
}

func TestLedgerApplyIsAtomic(t *testing.T) {
	l := NewMemLedger()
	ctx := context.Background()
	require.NoError(t, l.Mint(ctx, "USDC", alice, settlement.NewAmount(100)))
	require.NoError(t, l.Mint(ctx, "EURC", bob, settlement.NewAmount(10)))

	err := l.Apply(
		Move{Asset: "USDC", From: alice, To: bob, Amount: settlement.NewAmount(100)},
		Move{Asset: "EURC", From: bob, To: alice, Amount: settlement.NewAmount(11)},
	)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.EqualValues(t, 100, mustBalance(t, l, "USDC", alice))
	require.EqualValues(t, 0, mustBalance(t, l, "USDC", bob))

	// A later leg may spend what an earlier leg delivered.
	require.NoError(t, l.Apply(
		Move{Asset: "USDC", From: alice, To: bob, Amount: settlement.NewAmount(30)},
		Move{Asset: "USDC", From: bob, To: carol, Amount: settlement.NewAmount(30)},
	))
	require.EqualValues(t, 70, mustBalance(t, l, "USDC", alice))
	require.EqualValues(t, 0, mustBalance(t, l, "USDC", bob))
	require.EqualValues(t, 30, mustBalance(t, l, "USDC", carol))

	require.NoError(t, l.Apply())
}

func TestLedgerCustodyRoles(t *testing.T) {
	l := NewMemLedger()
	ctx := context.Background()
	require.NoError(t, l.Mint(ctx, "USDC", alice, settlement.NewAmount(5)))

	require.NoError(t, l.Debit(ctx, "USDC", alice, carol, settlement.NewAmount(5)))
	require.NoError(t, l.Credit(ctx, "USDC", carol, bob, settlement.NewAmount(3)))
	require.NoError(t, l.Sweep(ctx, "USDC", carol, alice, settlement.NewAmount(2)))
	require.EqualValues(t, 2, mustBalance(t, l, "USDC", alice))
	require.EqualValues(t, 3, mustBalance(t, l, "USDC", bob))
	require.EqualValues(t, 0, mustBalance(t, l, "USDC", carol))
}

func TestLedgerMintOverflow(t *testing.T) {
	l := NewMemLedger()
	max := settlement.MustParseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, l.Mint(context.Background(), "USDC", alice, max))
	err := l.Mint(context.Background(), "USDC", alice, settlement.NewAmount(1))
	require.ErrorIs(t, err, settlement.ErrArithmetic)
}

func TestLevelLedgerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custody")
	l, err := OpenLevelLedger(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, l.Mint(ctx, "USDC", alice, settlement.NewAmount(500)))
	require.NoError(t, l.Transfer(ctx, "USDC", alice, bob, settlement.NewAmount(125)))
	require.NoError(t, l.Close())

	reopened, err := OpenLevelLedger(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	require.EqualValues(t, 375, mustBalance(t, reopened, "USDC", alice))
	require.EqualValues(t, 125, mustBalance(t, reopened, "USDC", bob))
}
