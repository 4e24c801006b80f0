package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"paysettle/core/events"
	"paysettle/native/settlement"
	"paysettle/state/custody"
)

const (
	assetUSDC settlement.Asset = "USDC"
	assetEURC settlement.Asset = "EURC"
)

var (
	owner     = ethcommon.HexToAddress("0x00000000000000000000000000000000000000a1")
	account   = ethcommon.HexToAddress("0x00000000000000000000000000000000000000c0")
	payer     = ethcommon.HexToAddress("0x00000000000000000000000000000000000000b1")
	merchant  = ethcommon.HexToAddress("0x00000000000000000000000000000000000000d1")
	pool      = ethcommon.HexToAddress("0x00000000000000000000000000000000000000e1")
	newOwner  = ethcommon.HexToAddress("0x00000000000000000000000000000000000000a2")
	stranger  = ethcommon.HexToAddress("0x00000000000000000000000000000000000000f1")
	rescueTo  = ethcommon.HexToAddress("0x00000000000000000000000000000000000000a9")
	bigSupply = settlement.NewAmount(1_000_000_000)
)

// stubExchange fills every swap with a fixed output regardless of MinOutput so
// the engine's own floor check can be exercised.
type stubExchange struct {
	ledger *custody.Ledger
	output settlement.Amount
	hook   func(ctx context.Context, req settlement.SwapRequest) error

	mu   sync.Mutex
	seen []settlement.SwapRequest
}

func (x *stubExchange) Swap(ctx context.Context, req settlement.SwapRequest) (settlement.Amount, error) {
	x.mu.Lock()
	x.seen = append(x.seen, req)
	x.mu.Unlock()
	if x.hook != nil {
		if err := x.hook(ctx, req); err != nil {
			return settlement.Amount{}, err
		}
	}
	err := x.ledger.Apply(
		custody.Move{Asset: req.InputAsset, From: req.Custodian, To: pool, Amount: req.InputAmount},
		custody.Move{Asset: req.TargetAsset, From: pool, To: req.Custodian, Amount: x.output},
	)
	if err != nil {
		return settlement.Amount{}, err
	}
	return x.output, nil
}

func (x *stubExchange) lastRequest(t *testing.T) settlement.SwapRequest {
	t.Helper()
	x.mu.Lock()
	defer x.mu.Unlock()
	require.NotEmpty(t, x.seen)
	return x.seen[len(x.seen)-1]
}

// flakyCustody wraps a ledger and fails selected operations.
type flakyCustody struct {
	*custody.Ledger
	failDebit  bool
	failCredit bool
	failSweep  bool
}

var errCustodyDown = errors.New("custody backend unavailable")

func (c *flakyCustody) Debit(ctx context.Context, asset settlement.Asset, from, to settlement.Identity, amount settlement.Amount) error {
	if c.failDebit {
		return errCustodyDown
	}
	return c.Ledger.Debit(ctx, asset, from, to, amount)
}

func (c *flakyCustody) Credit(ctx context.Context, asset settlement.Asset, from, to settlement.Identity, amount settlement.Amount) error {
	if c.failCredit {
		return errCustodyDown
	}
	return c.Ledger.Credit(ctx, asset, from, to, amount)
}

func (c *flakyCustody) Sweep(ctx context.Context, asset settlement.Asset, from, to settlement.Identity, amount settlement.Amount) error {
	if c.failSweep {
		return errCustodyDown
	}
	return c.Ledger.Sweep(ctx, asset, from, to, amount)
}

type fixture struct {
	engine   *settlement.Engine
	ledger   *custody.Ledger
	custody  *flakyCustody
	exchange *stubExchange
	recorder *events.Recorder
}

func newFixture(t *testing.T, opts ...settlement.Option) *fixture {
	t.Helper()
	ledger := custody.NewMemLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Mint(ctx, assetUSDC, payer, bigSupply))
	require.NoError(t, ledger.Mint(ctx, assetEURC, pool, bigSupply))
	require.NoError(t, ledger.Mint(ctx, assetUSDC, pool, bigSupply))

	flaky := &flakyCustody{Ledger: ledger}
	exchange := &stubExchange{ledger: ledger}
	recorder := &events.Recorder{}
	base := []settlement.Option{
		settlement.WithExchange(exchange),
		settlement.WithEmitter(recorder),
		settlement.WithIDGenerator(func() string { return "settlement-1" }),
	}
	engine, err := settlement.NewEngine(settlement.Config{Owner: owner, Account: account}, flaky, append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{engine: engine, ledger: ledger, custody: flaky, exchange: exchange, recorder: recorder}
}

func (f *fixture) balance(t *testing.T, asset settlement.Asset, who settlement.Identity) settlement.Amount {
	t.Helper()
	bal, err := f.ledger.Balance(asset, who)
	require.NoError(t, err)
	return bal
}

func sameAsset(amount uint64) settlement.Request {
	return settlement.Request{
		InputAsset:  assetUSDC,
		InputAmount: settlement.NewAmount(amount),
		TargetAsset: assetUSDC,
		Recipient:   merchant,
	}
}

func conversion(amount, callerMin uint64) settlement.Request {
	return settlement.Request{
		InputAsset:  assetUSDC,
		InputAmount: settlement.NewAmount(amount),
		TargetAsset: assetEURC,
		Recipient:   merchant,
		MinOutput:   settlement.NewAmount(callerMin),
	}
}

func TestNewEngineDefaults(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, owner, f.engine.Owner())
	require.Equal(t, account, f.engine.Account())
	require.Equal(t, settlement.StateActive, f.engine.State())
	require.EqualValues(t, 50, f.engine.MinSlippageBps())
	require.EqualValues(t, 500, f.engine.MaxSlippageBps())
	require.Equal(t, settlement.Version, f.engine.Version())

	snap, err := f.engine.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, owner, snap.Owner)
	require.False(t, snap.InFlight)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	ledger := custody.NewMemLedger()
	_, err := settlement.NewEngine(settlement.Config{Account: account}, ledger)
	require.ErrorIs(t, err, settlement.ErrInvalidOwner)

	_, err = settlement.NewEngine(settlement.Config{Owner: owner, Account: account, MinSlippageBps: 600}, ledger)
	require.ErrorIs(t, err, settlement.ErrInvalidSlippage)

	_, err = settlement.NewEngine(settlement.Config{Owner: owner, Account: account, MaxSlippageBps: 10_001}, ledger)
	require.ErrorIs(t, err, settlement.ErrInvalidSlippage)

	_, err = settlement.NewEngine(settlement.Config{Owner: owner, Account: account}, nil)
	require.Error(t, err)
}

func TestProcessPaymentSameAssetBoundaries(t *testing.T) {
	for _, amount := range []uint64{1, 1_000, 1_000_000} {
		t.Run(fmt.Sprintf("amount=%d", amount), func(t *testing.T) {
			f := newFixture(t)
			out, err := f.engine.ProcessPayment(context.Background(), payer, sameAsset(amount))
			require.NoError(t, err)
			require.Equal(t, settlement.NewAmount(amount), out)
			require.Equal(t, settlement.NewAmount(amount), f.balance(t, assetUSDC, merchant))
			require.True(t, f.balance(t, assetUSDC, account).IsZero(), "engine must not retain funds")
			require.Empty(t, f.exchange.seen, "same-asset settlement must not call the exchange")
		})
	}
}

func TestProcessPaymentLargeAmountDoesNotOverflow(t *testing.T) {
	f := newFixture(t)
	huge := settlement.MustParseAmount("1000000000000000000000000000000")
	require.NoError(t, f.ledger.Mint(context.Background(), assetUSDC, payer, huge))
	req := sameAsset(0)
	req.InputAmount = huge
	out, err := f.engine.ProcessPayment(context.Background(), payer, req)
	require.NoError(t, err)
	require.Equal(t, huge, out)
}

func TestProcessPaymentZeroAmountNeverSettles(t *testing.T) {
	f := newFixture(t)
	for _, req := range []settlement.Request{sameAsset(0), conversion(0, 0), conversion(0, 10)} {
		_, err := f.engine.ProcessPayment(context.Background(), payer, req)
		require.ErrorIs(t, err, settlement.ErrInvalidAmount)
	}
	_, err := f.engine.ProcessPayment(context.Background(), stranger, sameAsset(0))
	require.ErrorIs(t, err, settlement.ErrInvalidAmount)

	// The pause check comes first, so a paused engine reports the pause
	// rather than the amount. Either way nothing settles.
	require.NoError(t, f.engine.Pause(context.Background(), owner))
	_, err = f.engine.ProcessPayment(context.Background(), payer, sameAsset(0))
	require.ErrorIs(t, err, settlement.ErrEnforcedPause)

	require.Len(t, f.recorder.Events(), 1)
	require.Equal(t, bigSupply, f.balance(t, assetUSDC, payer))
}

func TestProcessPaymentRejectsEngineAccountRecipient(t *testing.T) {
	f := newFixture(t)
	f.exchange.output = settlement.NewAmount(1000)
	for _, req := range []settlement.Request{sameAsset(100), conversion(1000, 0)} {
		req.Recipient = account
		_, err := f.engine.ProcessPayment(context.Background(), payer, req)
		require.ErrorIs(t, err, settlement.ErrInvalidRecipient)
	}
	require.Equal(t, bigSupply, f.balance(t, assetUSDC, payer))
	require.True(t, f.balance(t, assetUSDC, account).IsZero())
	require.True(t, f.balance(t, assetEURC, account).IsZero())
	require.Empty(t, f.recorder.Events())
}

func TestProcessPaymentPreconditionOrder(t *testing.T) {
	f := newFixture(t)
	req := sameAsset(0)
	req.Recipient = settlement.ZeroIdentity

	_, err := f.engine.ProcessPayment(context.Background(), payer, req)
	require.ErrorIs(t, err, settlement.ErrInvalidAmount, "amount is checked before recipient")

	req.InputAmount = settlement.NewAmount(5)
	_, err = f.engine.ProcessPayment(context.Background(), payer, req)
	require.ErrorIs(t, err, settlement.ErrInvalidRecipient)

	require.NoError(t, f.engine.Pause(context.Background(), owner))
	_, err = f.engine.ProcessPayment(context.Background(), payer, sameAsset(0))
	require.ErrorIs(t, err, settlement.ErrEnforcedPause, "pause is checked first")

	req.InputAsset = ""
	require.NoError(t, f.engine.Unpause(context.Background(), owner))
	req.Recipient = merchant
	_, err = f.engine.ProcessPayment(context.Background(), payer, req)
	require.ErrorIs(t, err, settlement.ErrInvalidAsset)
	require.Equal(t, bigSupply, f.balance(t, assetUSDC, payer))
}

func TestSlippageFloorBoundary(t *testing.T) {
	f := newFixture(t)

	f.exchange.output = settlement.NewAmount(995)
	out, err := f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.NoError(t, err)
	require.Equal(t, settlement.NewAmount(995), out)
	require.Equal(t, settlement.NewAmount(995), f.exchange.lastRequest(t).MinOutput)
	require.Equal(t, settlement.NewAmount(995), f.balance(t, assetEURC, merchant))

	f.exchange.output = settlement.NewAmount(994)
	_, err = f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.ErrorIs(t, err, settlement.ErrSlippageExceeded)
	require.Equal(t, settlement.NewAmount(995), f.balance(t, assetEURC, merchant), "rejected output must not reach the recipient")
	require.Equal(t, settlement.NewAmount(994), f.balance(t, assetEURC, account), "rejected output stays in custody")
}

func TestCallerMinOutputOnlyTightens(t *testing.T) {
	f := newFixture(t)
	f.exchange.output = settlement.NewAmount(1000)

	_, err := f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 900))
	require.NoError(t, err)
	require.Equal(t, settlement.NewAmount(995), f.exchange.lastRequest(t).MinOutput, "looser caller bound is ignored")

	_, err = f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 999))
	require.NoError(t, err)
	require.Equal(t, settlement.NewAmount(999), f.exchange.lastRequest(t).MinOutput, "tighter caller bound wins")

	f.exchange.output = settlement.NewAmount(998)
	_, err = f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 999))
	require.ErrorIs(t, err, settlement.ErrSlippageExceeded)
}

func TestSetMinSlippageBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.engine.SetMinSlippage(ctx, owner, 0), settlement.ErrInvalidSlippage)
	require.ErrorIs(t, f.engine.SetMinSlippage(ctx, owner, 501), settlement.ErrInvalidSlippage)
	require.EqualValues(t, 50, f.engine.MinSlippageBps())

	require.NoError(t, f.engine.SetMinSlippage(ctx, owner, 1))
	require.EqualValues(t, 1, f.engine.MinSlippageBps())
	require.NoError(t, f.engine.SetMinSlippage(ctx, owner, 500))
	require.EqualValues(t, 500, f.engine.MinSlippageBps())
	require.EqualValues(t, 500, f.engine.MaxSlippageBps())

	require.ErrorIs(t, f.engine.SetMinSlippage(ctx, stranger, 100), settlement.ErrUnauthorized)
	require.EqualValues(t, 500, f.engine.MinSlippageBps())

	evts := f.recorder.Events()
	require.Len(t, evts, 2)
	require.Equal(t, events.SlippageUpdated{Previous: 50, New: 1}, evts[0])
	require.Equal(t, events.SlippageUpdated{Previous: 1, New: 500}, evts[1])
}

func TestUpdatedSlippageAppliesToFloor(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetMinSlippage(context.Background(), owner, 500))
	f.exchange.output = settlement.NewAmount(950)
	out, err := f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.NoError(t, err)
	require.Equal(t, settlement.NewAmount(950), out)
	require.Equal(t, settlement.NewAmount(950), f.exchange.lastRequest(t).MinOutput)
}

func TestPauseUnpauseCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.engine.Unpause(ctx, owner), settlement.ErrNotPaused)
	require.NoError(t, f.engine.Pause(ctx, owner))
	require.Equal(t, settlement.StatePaused, f.engine.State())
	require.ErrorIs(t, f.engine.Pause(ctx, owner), settlement.ErrAlreadyPaused)

	_, err := f.engine.ProcessPayment(ctx, payer, sameAsset(10))
	require.ErrorIs(t, err, settlement.ErrEnforcedPause)

	require.NoError(t, f.engine.Unpause(ctx, owner))
	require.False(t, f.engine.Paused())
	_, err = f.engine.ProcessPayment(ctx, payer, sameAsset(10))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.Pause(ctx, owner))
		require.NoError(t, f.engine.Unpause(ctx, owner))
	}

	require.ErrorIs(t, f.engine.Pause(ctx, stranger), settlement.ErrUnauthorized)
	require.Equal(t, settlement.StateActive, f.engine.State())

	types := f.recorder.Types()
	require.Equal(t, events.TypeSettlementPaused, types[0])
	require.Equal(t, events.TypeSettlementUnpaused, types[1])
	require.Equal(t, events.TypeSettlementProcessed, types[2])
	require.Equal(t, events.SettlementPaused{Account: owner}, f.recorder.Events()[0])
}

func TestEmergencyWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.Mint(ctx, assetUSDC, account, settlement.NewAmount(750)))

	err := f.engine.EmergencyWithdraw(ctx, owner, assetUSDC, rescueTo, settlement.NewAmount(100))
	require.ErrorIs(t, err, settlement.ErrNotPaused)

	require.NoError(t, f.engine.Pause(ctx, owner))
	require.ErrorIs(t, f.engine.EmergencyWithdraw(ctx, stranger, assetUSDC, rescueTo, settlement.NewAmount(100)), settlement.ErrUnauthorized)
	require.ErrorIs(t, f.engine.EmergencyWithdraw(ctx, owner, assetUSDC, rescueTo, settlement.NewAmount(0)), settlement.ErrInvalidAmount)
	require.ErrorIs(t, f.engine.EmergencyWithdraw(ctx, owner, assetUSDC, settlement.ZeroIdentity, settlement.NewAmount(100)), settlement.ErrInvalidRecipient)

	require.NoError(t, f.engine.EmergencyWithdraw(ctx, owner, assetUSDC, rescueTo, settlement.NewAmount(700)))
	require.Equal(t, settlement.NewAmount(700), f.balance(t, assetUSDC, rescueTo))
	require.Equal(t, settlement.NewAmount(50), f.balance(t, assetUSDC, account))

	err = f.engine.EmergencyWithdraw(ctx, owner, assetUSDC, rescueTo, settlement.NewAmount(51))
	require.ErrorIs(t, err, settlement.ErrTransferFailed)
	require.ErrorIs(t, err, custody.ErrInsufficientBalance)

	f.custody.failSweep = true
	err = f.engine.EmergencyWithdraw(ctx, owner, assetUSDC, rescueTo, settlement.NewAmount(50))
	require.ErrorIs(t, err, settlement.ErrTransferFailed)
	require.ErrorIs(t, err, errCustodyDown)

	var withdrawals []events.EmergencyWithdrawal
	for _, evt := range f.recorder.Events() {
		if w, ok := evt.(events.EmergencyWithdrawal); ok {
			withdrawals = append(withdrawals, w)
		}
	}
	require.Len(t, withdrawals, 1)
	require.Equal(t, "USDC", withdrawals[0].Asset)
	require.Equal(t, rescueTo, withdrawals[0].To)
	require.Equal(t, "700", withdrawals[0].Amount.String())
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.engine.TransferOwnership(ctx, stranger, stranger), settlement.ErrUnauthorized)
	require.ErrorIs(t, f.engine.TransferOwnership(ctx, owner, settlement.ZeroIdentity), settlement.ErrInvalidOwner)
	require.NoError(t, f.engine.TransferOwnership(ctx, owner, newOwner))
	require.Equal(t, newOwner, f.engine.Owner())

	require.ErrorIs(t, f.engine.Pause(ctx, owner), settlement.ErrUnauthorized)
	require.ErrorIs(t, f.engine.Unpause(ctx, owner), settlement.ErrUnauthorized)
	require.ErrorIs(t, f.engine.SetMinSlippage(ctx, owner, 100), settlement.ErrUnauthorized)
	require.ErrorIs(t, f.engine.EmergencyWithdraw(ctx, owner, assetUSDC, rescueTo, settlement.NewAmount(1)), settlement.ErrUnauthorized)
	require.ErrorIs(t, f.engine.TransferOwnership(ctx, owner, owner), settlement.ErrUnauthorized)

	require.NoError(t, f.engine.SetMinSlippage(ctx, newOwner, 100))
	require.NoError(t, f.engine.Pause(ctx, newOwner))
	require.NoError(t, f.engine.Unpause(ctx, newOwner))

	require.Equal(t, events.OwnershipTransferred{Previous: owner, New: newOwner}, f.recorder.Events()[0])
}

func TestSequentialSettlementsAreNotReentrant(t *testing.T) {
	f := newFixture(t)
	f.exchange.output = settlement.NewAmount(100)
	for i := 0; i < 5; i++ {
		_, err := f.engine.ProcessPayment(context.Background(), payer, sameAsset(10))
		require.NoError(t, err)
		_, err = f.engine.ProcessPayment(context.Background(), payer, conversion(100, 0))
		require.NoError(t, err)
	}
	require.Equal(t, settlement.NewAmount(50), f.balance(t, assetUSDC, merchant))
	require.Equal(t, settlement.NewAmount(500), f.balance(t, assetEURC, merchant))
	require.False(t, f.engine.InFlight())
}

func TestReentrantSettlementFromExchangeRejected(t *testing.T) {
	f := newFixture(t)
	f.exchange.output = settlement.NewAmount(1000)
	var inner error
	f.exchange.hook = func(ctx context.Context, _ settlement.SwapRequest) error {
		require.True(t, f.engine.InFlight())
		_, inner = f.engine.ProcessPayment(ctx, payer, sameAsset(1))
		return inner
	}

	_, err := f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.ErrorIs(t, inner, settlement.ErrReentrantCall)
	require.ErrorIs(t, err, settlement.ErrExchangeFailed)
	require.ErrorIs(t, err, settlement.ErrReentrantCall)
	require.True(t, f.balance(t, assetUSDC, merchant).IsZero())

	// The guard is released on the failure path.
	f.exchange.hook = nil
	_, err = f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.NoError(t, err)
}

func TestReentryWithFreshContextRejected(t *testing.T) {
	f := newFixture(t)
	f.exchange.output = settlement.NewAmount(1000)
	var errs []error
	f.exchange.hook = func(context.Context, settlement.SwapRequest) error {
		_, err := f.engine.ProcessPayment(context.Background(), payer, sameAsset(1))
		errs = append(errs, err, f.engine.Pause(context.Background(), owner))
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
		done <- err
	}()
	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("settlement did not return")
	}
	require.ErrorIs(t, err, settlement.ErrReentrantCall)
	require.Len(t, errs, 2)
	for _, e := range errs {
		require.ErrorIs(t, e, settlement.ErrReentrantCall)
	}
	require.False(t, f.engine.InFlight())
	require.True(t, f.balance(t, assetUSDC, merchant).IsZero())

	// The owner can still recover the stranded input.
	ctx := context.Background()
	require.NoError(t, f.engine.Pause(ctx, owner))
	require.NoError(t, f.engine.EmergencyWithdraw(ctx, owner, assetUSDC, payer, settlement.NewAmount(1000)))
	require.Equal(t, bigSupply, f.balance(t, assetUSDC, payer))
}

func TestReentrantAdminCallsRejected(t *testing.T) {
	f := newFixture(t)
	f.exchange.output = settlement.NewAmount(1000)
	var errs []error
	f.exchange.hook = func(ctx context.Context, _ settlement.SwapRequest) error {
		errs = append(errs,
			f.engine.Pause(ctx, owner),
			f.engine.SetMinSlippage(ctx, owner, 100),
			f.engine.TransferOwnership(ctx, owner, newOwner),
		)
		_, snapErr := f.engine.Snapshot(ctx)
		errs = append(errs, snapErr)
		return nil
	}
	_, err := f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.NoError(t, err)
	require.Len(t, errs, 4)
	for _, e := range errs {
		require.ErrorIs(t, e, settlement.ErrReentrantCall)
	}
	require.Equal(t, owner, f.engine.Owner())
	require.False(t, f.engine.Paused())

	// A caller that is not the owner is turned away before the guard.
	f.exchange.hook = func(ctx context.Context, _ settlement.SwapRequest) error {
		return f.engine.Pause(ctx, stranger)
	}
	_, err = f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.ErrorIs(t, err, settlement.ErrUnauthorized)
}

func TestDebitFailureLeavesNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.custody.failDebit = true
	_, err := f.engine.ProcessPayment(context.Background(), payer, sameAsset(10))
	require.ErrorIs(t, err, settlement.ErrTokenTransferFailed)
	require.ErrorIs(t, err, errCustodyDown)
	require.Equal(t, bigSupply, f.balance(t, assetUSDC, payer))
	require.Equal(t, settlement.CodeTokenTransferFailed, settlement.Code(err))

	f.custody.failDebit = false
	_, err = f.engine.ProcessPayment(context.Background(), stranger, sameAsset(10))
	require.ErrorIs(t, err, settlement.ErrTokenTransferFailed)
	require.ErrorIs(t, err, custody.ErrInsufficientBalance)

	evts := f.recorder.Events()
	require.Len(t, evts, 2)
	failed, ok := evts[0].(events.SettlementFailed)
	require.True(t, ok)
	require.Equal(t, events.StageDebit, failed.Stage)
	require.False(t, failed.FundsInCustody())
}

func TestCreditFailureIsFatalAndRecoverable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.custody.failCredit = true

	_, err := f.engine.ProcessPayment(ctx, payer, sameAsset(40))
	require.ErrorIs(t, err, settlement.ErrTransferFailed)
	require.Equal(t, settlement.NewAmount(40), f.balance(t, assetUSDC, account))
	failed, ok := f.recorder.Events()[0].(events.SettlementFailed)
	require.True(t, ok)
	require.Equal(t, events.StageCredit, failed.Stage)
	require.True(t, failed.FundsInCustody())
	require.Equal(t, settlement.CodeTransferFailed, failed.Code)

	require.NoError(t, f.engine.Pause(ctx, owner))
	require.NoError(t, f.engine.EmergencyWithdraw(ctx, owner, assetUSDC, payer, settlement.NewAmount(40)))
	require.Equal(t, bigSupply, f.balance(t, assetUSDC, payer))
}

func TestExchangeFailureSurfaced(t *testing.T) {
	f := newFixture(t)
	f.exchange.output = bigSupply
	_, err := f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.NoError(t, err)

	// Pool is now empty of EURC.
	_, err = f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.ErrorIs(t, err, settlement.ErrExchangeFailed)
	require.ErrorIs(t, err, custody.ErrInsufficientBalance)
	require.Equal(t, settlement.NewAmount(1000), f.balance(t, assetUSDC, account))
}

func TestMissingExchangeRejectsConversion(t *testing.T) {
	ledger := custody.NewMemLedger()
	require.NoError(t, ledger.Mint(context.Background(), assetUSDC, payer, bigSupply))
	engine, err := settlement.NewEngine(settlement.Config{Owner: owner, Account: account}, ledger)
	require.NoError(t, err)
	_, err = engine.ProcessPayment(context.Background(), payer, conversion(10, 0))
	require.ErrorIs(t, err, settlement.ErrExchangeFailed)
	bal, err := ledger.Balance(assetUSDC, payer)
	require.NoError(t, err)
	require.Equal(t, bigSupply, bal, "no debit without an exchange")
}

func TestConcurrentSettlementsSerialise(t *testing.T) {
	f := newFixture(t)
	f.exchange.output = settlement.NewAmount(99)
	queue := settlement.NewQueue(f.engine)
	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := queue.ProcessPayment(context.Background(), payer, sameAsset(7))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := queue.ProcessPayment(context.Background(), payer, conversion(100, 0))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, settlement.NewAmount(7*workers), f.balance(t, assetUSDC, merchant))
	require.Equal(t, settlement.NewAmount(99*workers), f.balance(t, assetEURC, merchant))
	require.True(t, f.balance(t, assetUSDC, account).IsZero())
	require.True(t, f.balance(t, assetEURC, account).IsZero())
}

func TestSettlementEventPayload(t *testing.T) {
	f := newFixture(t)
	f.exchange.output = settlement.NewAmount(996)
	_, err := f.engine.ProcessPayment(context.Background(), payer, conversion(1000, 0))
	require.NoError(t, err)

	evts := f.recorder.Events()
	require.Len(t, evts, 1)
	processed, ok := evts[0].(events.SettlementProcessed)
	require.True(t, ok)
	require.Equal(t, "settlement-1", processed.ID)
	require.Equal(t, payer, processed.Caller)
	require.Equal(t, merchant, processed.Recipient)
	require.Equal(t, "USDC", processed.InputAsset)
	require.Equal(t, "EURC", processed.TargetAsset)
	require.Equal(t, "1000", processed.InputAmount.String())
	require.Equal(t, "996", processed.OutputAmount.String())

	wire := processed.Event()
	require.Equal(t, events.TypeSettlementProcessed, wire.Type)
	require.Equal(t, merchant.Hex(), wire.Attributes["recipient"])
	require.Equal(t, "996", wire.Attributes["outputAmount"])
}
