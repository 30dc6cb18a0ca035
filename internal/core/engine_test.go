package core_test

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/queue"
	"PoolLedger/internal/token"
	"PoolLedger/internal/venue"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// --- Test fixture ---

var (
	usdcAddr  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	wethAddr  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	perpRoute = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	spotRoute = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	operator  = common.HexToAddress("0x000000000000000000000000000000000000000e")
	signer    = common.HexToAddress("0x000000000000000000000000000000000000000f")
	alice     = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob       = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

const (
	perpPool = uint32(1)
	spotPool = uint32(2)
	opKey    = "operator-secret"
)

// usdc returns n whole USDC in native 6-decimal units.
func usdc(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

// weth returns n whole WETH in native 18-decimal units.
func weth(n int64) *big.Int {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), exp)
}

// x18 returns an 18-decimal fixed-point price for n whole quote units.
func x18(n int64) *big.Int {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), exp)
}

// stubGateway serves fixed prices and records submitted transactions.
type stubGateway struct {
	prices    map[common.Address]*big.Int
	submitted [][]byte
	submitErr error
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		prices: map[common.Address]*big.Int{
			usdcAddr: x18(1),
			wethAddr: x18(2000),
		},
	}
}

func (g *stubGateway) GetPrice(t common.Address) (*big.Int, error) {
	p, ok := g.prices[t]
	if !ok {
		return nil, fmt.Errorf("unlisted asset %s", t.Hex())
	}
	return new(big.Int).Set(p), nil
}

func (g *stubGateway) SubmitTransaction(ctx context.Context, data []byte) error {
	if g.submitErr != nil {
		return g.submitErr
	}
	g.submitted = append(g.submitted, data)
	return nil
}

func (g *stubGateway) QuoteAsset() common.Address { return usdcAddr }

type fixture struct {
	engine    *core.Engine
	bank      *token.MemoryBank
	gateway   *stubGateway
	book      *ledger.Book
	persistCh chan core.Output
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, core.Pauses{}, nil)
}

func newFixtureWith(t *testing.T, pauses core.Pauses, bank token.Bank) *fixture {
	return newFixtureGateway(t, pauses, bank, nil)
}

// newFixtureGateway lets a test wrap the stub gateway, e.g. to shift prices
// between reads. A nil gateway uses the stub directly.
func newFixtureGateway(t *testing.T, pauses core.Pauses, bank token.Bank, wrap func(*stubGateway) venue.Gateway) *fixture {
	t.Helper()

	registry := ledger.NewRegistry()
	registry.RegisterToken(ledger.Token{Address: usdcAddr, Symbol: "USDC", Decimals: 6})
	registry.RegisterToken(ledger.Token{Address: wethAddr, Symbol: "WETH", Decimals: 18})

	usdcMeta := ledger.Token{Address: usdcAddr, Symbol: "USDC", Decimals: 6}
	wethMeta := ledger.Token{Address: wethAddr, Symbol: "WETH", Decimals: 18}
	if _, err := registry.AddPool(perpPool, perpRoute, ledger.KindPerp, []ledger.Token{usdcMeta}); err != nil {
		t.Fatalf("add perp pool: %v", err)
	}
	if _, err := registry.AddPool(spotPool, spotRoute, ledger.KindSpot, []ledger.Token{wethMeta, usdcMeta}); err != nil {
		t.Fatalf("add spot pool: %v", err)
	}

	book := ledger.NewBook()
	book.Ensure(ledger.Key{PoolID: perpPool, Token: usdcAddr}, new(big.Int))
	book.Ensure(ledger.Key{PoolID: spotPool, Token: wethAddr}, new(big.Int))
	book.Ensure(ledger.Key{PoolID: spotPool, Token: usdcAddr}, new(big.Int))

	memBank := token.NewMemoryBank()
	if bank == nil {
		bank = memBank
	}

	gateway := newStubGateway()
	var engineGateway venue.Gateway = gateway
	if wrap != nil {
		engineGateway = wrap(gateway)
	}
	persistCh := make(chan core.Output, 256)

	engine := core.NewEngine(core.Config{
		Registry:      registry,
		Book:          book,
		Fees:          ledger.NewFeeAccount(),
		Queue:         queue.NewRequestQueue(),
		Gateway:       engineGateway,
		Bank:          bank,
		Pauses:        pauses,
		OperatorKey:   opKey,
		Operator:      operator,
		LinkedSigner:  signer,
		QuoteDecimals: 6,
		PersistChan:   persistCh,
		Logger:        zerolog.Nop(),
	})

	return &fixture{
		engine:    engine,
		bank:      memBank,
		gateway:   gateway,
		book:      book,
		persistCh: persistCh,
	}
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outputs []core.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func (f *fixture) active(poolID uint32, tok, user common.Address) *big.Int {
	return f.book.Active(ledger.Key{PoolID: poolID, Token: tok}, user)
}

func (f *fixture) pending(poolID uint32, tok, user common.Address) *big.Int {
	return f.book.Pending(ledger.Key{PoolID: poolID, Token: tok}, user)
}

// ============================================================================
// Test: Deposits
// ============================================================================

func TestDepositPerp_CreditsActive(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(usdcAddr, alice, usdc(100))

	err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice)
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if got := f.active(perpPool, usdcAddr, alice); got.Cmp(usdc(100)) != 0 {
		t.Errorf("active = %s, want %s", got, usdc(100))
	}
	if got := f.bank.BalanceOf(usdcAddr, alice); got.Sign() != 0 {
		t.Errorf("external balance = %s, want 0", got)
	}
	if got := f.bank.Custodied(usdcAddr); got.Cmp(usdc(100)) != 0 {
		t.Errorf("custody = %s, want %s", got, usdc(100))
	}

	// Perp deposits never enqueue.
	if got := f.engine.Backlog(); got != 0 {
		t.Errorf("backlog = %d, want 0", got)
	}

	outputs := drainOutputs(f.persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.Kind != event.KindDeposit {
		t.Errorf("kind = %s, want Deposit", outputs[0].Envelope.Kind)
	}
}

func TestDepositPerp_ToOtherReceiver(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(usdcAddr, alice, usdc(100))

	err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, bob)
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if got := f.active(perpPool, usdcAddr, bob); got.Cmp(usdc(100)) != 0 {
		t.Errorf("receiver active = %s, want %s", got, usdc(100))
	}
	if got := f.active(perpPool, usdcAddr, alice); got.Sign() != 0 {
		t.Errorf("sender active = %s, want 0", got)
	}
}

func TestDepositSpot_EnqueuesAuditEntry(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(wethAddr, alice, weth(1))
	f.bank.Mint(usdcAddr, alice, usdc(2000))

	// 1 WETH at 2000 pairs exactly with 2000 USDC; nil bounds demand the
	// exact match.
	err := f.engine.Deposit(context.Background(), alice, spotPool, []*big.Int{weth(1), usdc(2000)}, nil, alice)
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if got := f.engine.Backlog(); got != 1 {
		t.Fatalf("backlog = %d, want 1", got)
	}
	entry, err := f.engine.PeekNext()
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if entry.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", entry.Sequence)
	}
	req, ok := entry.Request.(*queue.DepositSpotRequest)
	if !ok {
		t.Fatalf("request type %T, want DepositSpotRequest", entry.Request)
	}
	if req.Amount0.Cmp(weth(1)) != 0 {
		t.Errorf("amount0 = %s, want %s", req.Amount0, weth(1))
	}
	// Nil bounds collapse to the exact quoted amount.
	if req.Amount1Low.Cmp(usdc(2000)) != 0 || req.Amount1Hi.Cmp(usdc(2000)) != 0 {
		t.Errorf("bounds = [%s, %s], want exact %s", req.Amount1Low, req.Amount1Hi, usdc(2000))
	}
}

func TestDepositSpot_Imbalanced(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(wethAddr, alice, weth(1))
	f.bank.Mint(usdcAddr, alice, usdc(2000))

	err := f.engine.Deposit(context.Background(), alice, spotPool, []*big.Int{weth(1), usdc(1900)}, nil, alice)
	if !errors.Is(err, core.ErrImbalancedSpotDeposit) {
		t.Fatalf("err = %v, want ErrImbalancedSpotDeposit", err)
	}

	if got := f.bank.BalanceOf(wethAddr, alice); got.Cmp(weth(1)) != 0 {
		t.Errorf("external balance changed on rejected deposit: %s", got)
	}
	if got := f.active(spotPool, wethAddr, alice); got.Sign() != 0 {
		t.Errorf("active = %s, want 0", got)
	}
}

func TestDeposit_HardcapExceeded(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(usdcAddr, alice, usdc(200))

	key := ledger.Key{PoolID: perpPool, Token: usdcAddr}
	if err := f.book.SetHardcap(key, usdc(100)); err != nil {
		t.Fatalf("set hardcap: %v", err)
	}

	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(60)}, nil, alice); err != nil {
		t.Fatalf("deposit under cap failed: %v", err)
	}

	err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(50)}, nil, alice)
	if !errors.Is(err, core.ErrHardcapExceeded) {
		t.Fatalf("err = %v, want ErrHardcapExceeded", err)
	}

	// Rejection leaves balances exactly as before.
	if got := f.active(perpPool, usdcAddr, alice); got.Cmp(usdc(60)) != 0 {
		t.Errorf("active = %s, want %s", got, usdc(60))
	}
	if got := f.bank.BalanceOf(usdcAddr, alice); got.Cmp(usdc(140)) != 0 {
		t.Errorf("external balance = %s, want %s", got, usdc(140))
	}

	// Exactly filling the remaining room is allowed.
	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(40)}, nil, alice); err != nil {
		t.Fatalf("deposit to exact cap failed: %v", err)
	}
}

func TestDeposit_UnknownPool(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Deposit(context.Background(), alice, 99, []*big.Int{usdc(1)}, nil, alice)
	if !errors.Is(err, core.ErrUnknownPool) {
		t.Fatalf("err = %v, want ErrUnknownPool", err)
	}
}

func TestDeposit_TokenCountMismatch(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Deposit(context.Background(), alice, spotPool, []*big.Int{usdc(1)}, nil, alice)
	if !errors.Is(err, core.ErrTokenCountMismatch) {
		t.Fatalf("err = %v, want ErrTokenCountMismatch", err)
	}
}

func TestDeposit_Paused(t *testing.T) {
	f := newFixtureWith(t, core.Pauses{Deposits: true}, nil)
	f.bank.Mint(usdcAddr, alice, usdc(100))

	err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice)
	if !errors.Is(err, core.ErrPaused) {
		t.Fatalf("err = %v, want ErrPaused", err)
	}
}

func TestDeposit_PullFailureUnwinds(t *testing.T) {
	f := newFixture(t)
	// Alice holds WETH but no USDC: the second pull fails and the first
	// must be returned.
	f.bank.Mint(wethAddr, alice, weth(1))

	err := f.engine.Deposit(context.Background(), alice, spotPool, []*big.Int{weth(1), usdc(2000)}, nil, alice)
	if err == nil {
		t.Fatal("expected pull failure")
	}

	if got := f.bank.BalanceOf(wethAddr, alice); got.Cmp(weth(1)) != 0 {
		t.Errorf("weth not returned after unwind: %s", got)
	}
	if got := f.bank.Custodied(wethAddr); got.Sign() != 0 {
		t.Errorf("custody = %s, want 0", got)
	}
	if got := f.active(spotPool, wethAddr, alice); got.Sign() != 0 {
		t.Errorf("active = %s, want 0", got)
	}
}

func TestDepositBalanced_ComputesPairedLeg(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(wethAddr, alice, weth(1))
	f.bank.Mint(usdcAddr, alice, usdc(2000))

	err := f.engine.DepositBalanced(context.Background(), alice, spotPool, weth(1), usdc(1990), usdc(2010), alice)
	if err != nil {
		t.Fatalf("balanced deposit failed: %v", err)
	}

	if got := f.active(spotPool, usdcAddr, alice); got.Cmp(usdc(2000)) != 0 {
		t.Errorf("usdc active = %s, want %s", got, usdc(2000))
	}
	if got := f.active(spotPool, wethAddr, alice); got.Cmp(weth(1)) != 0 {
		t.Errorf("weth active = %s, want %s", got, weth(1))
	}
}

func TestDepositBalanced_SlippageExceeded(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(wethAddr, alice, weth(1))
	f.bank.Mint(usdcAddr, alice, usdc(2000))

	// Computed paired amount is 2000 USDC; a band below it must reject.
	err := f.engine.DepositBalanced(context.Background(), alice, spotPool, weth(1), usdc(1990), usdc(1995), alice)
	if !errors.Is(err, core.ErrSlippageExceeded) {
		t.Fatalf("err = %v, want ErrSlippageExceeded", err)
	}

	if got := f.bank.BalanceOf(wethAddr, alice); got.Cmp(weth(1)) != 0 {
		t.Errorf("external balance changed on rejected deposit: %s", got)
	}
}

// driftingGateway halves the drifted token's stored price after every read,
// modelling a feed tick landing between two samples of the same call.
type driftingGateway struct {
	*stubGateway
	drift common.Address
}

func (g *driftingGateway) GetPrice(t common.Address) (*big.Int, error) {
	p, err := g.stubGateway.GetPrice(t)
	if err != nil {
		return nil, err
	}
	if t == g.drift {
		g.prices[t] = new(big.Int).Rsh(p, 1)
	}
	return p, nil
}

func TestDepositBalanced_SinglePriceSample(t *testing.T) {
	f := newFixtureGateway(t, core.Pauses{}, nil, func(s *stubGateway) venue.Gateway {
		return &driftingGateway{stubGateway: s, drift: wethAddr}
	})
	f.bank.Mint(wethAddr, alice, weth(1))
	f.bank.Mint(usdcAddr, alice, usdc(2000))

	// WETH reads 2000 once, then 1000. The paired leg fixed at the first
	// sample must carry through the whole call: re-checking it at the
	// shifted price would reject the call's own computation, which is
	// neither of the two allowed outcomes.
	err := f.engine.DepositBalanced(context.Background(), alice, spotPool, weth(1), usdc(1990), usdc(2010), alice)
	if err != nil {
		t.Fatalf("balanced deposit failed under price drift: %v", err)
	}

	if got := f.active(spotPool, usdcAddr, alice); got.Cmp(usdc(2000)) != 0 {
		t.Errorf("usdc active = %s, want %s", got, usdc(2000))
	}
}

// ============================================================================
// Test: Withdrawals
// ============================================================================

func TestWithdrawPerp_ChargesFeeAndEnqueuesNet(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(usdcAddr, alice, usdc(100))
	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(f.persistCh)

	err := f.engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{usdc(50)}, 0)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	if got := f.active(perpPool, usdcAddr, alice); got.Cmp(usdc(50)) != 0 {
		t.Errorf("active = %s, want %s", got, usdc(50))
	}

	// The settlement fee is one whole quote unit, advanced by the operator.
	credits := f.engine.FeeCredits()
	if len(credits) != 1 || credits[0].Credit.Cmp(usdc(1)) != 0 {
		t.Fatalf("fee credits = %+v, want 1 USDC", credits)
	}

	entry, err := f.engine.PeekNext()
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	req, ok := entry.Request.(*queue.WithdrawPerpRequest)
	if !ok {
		t.Fatalf("request type %T, want WithdrawPerpRequest", entry.Request)
	}
	if req.Amount.Cmp(usdc(49)) != 0 {
		t.Errorf("net amount = %s, want %s", req.Amount, usdc(49))
	}

	// Nothing pending until the venue reconciles.
	if got := f.pending(perpPool, usdcAddr, alice); got.Sign() != 0 {
		t.Errorf("pending = %s, want 0", got)
	}

	outputs := drainOutputs(f.persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.Kind != event.KindWithdraw {
		t.Errorf("kind = %s, want Withdraw", outputs[0].Envelope.Kind)
	}
	if outputs[0].Entry == nil {
		t.Error("withdraw output missing queue entry")
	}
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(usdcAddr, alice, usdc(100))
	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	err := f.engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{usdc(200)}, 0)
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if got := f.active(perpPool, usdcAddr, alice); got.Cmp(usdc(100)) != 0 {
		t.Errorf("active = %s, want %s after rejection", got, usdc(100))
	}
	if got := f.engine.Backlog(); got != 0 {
		t.Errorf("backlog = %d, want 0", got)
	}
}

func TestWithdraw_FeeExceedsWithdrawnLeg(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(usdcAddr, alice, usdc(100))
	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Half a USDC withdrawn cannot cover the 1 USDC fee.
	half := big.NewInt(500_000)
	err := f.engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{half}, 0)
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if got := f.active(perpPool, usdcAddr, alice); got.Cmp(usdc(100)) != 0 {
		t.Errorf("active = %s, want unchanged %s", got, usdc(100))
	}
}

func TestWithdraw_FeeConsumesWholeWithdrawnLeg(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(usdcAddr, alice, usdc(100))
	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Withdrawing exactly the fee nets zero; the user would receive
	// nothing, so the call rejects rather than enqueue an empty entry.
	err := f.engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{usdc(1)}, 0)
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if got := f.active(perpPool, usdcAddr, alice); got.Cmp(usdc(100)) != 0 {
		t.Errorf("active = %s, want unchanged %s", got, usdc(100))
	}
	if got := f.engine.Backlog(); got != 0 {
		t.Errorf("backlog = %d, want 0", got)
	}
}

func TestWithdrawSpot_RequiresExactBalance(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(wethAddr, alice, weth(2))
	f.bank.Mint(usdcAddr, alice, usdc(4000))
	if err := f.engine.Deposit(context.Background(), alice, spotPool, []*big.Int{weth(2), usdc(4000)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// 1 WETH pairs with 2000 USDC; anything else is rejected outright.
	err := f.engine.Withdraw(context.Background(), alice, spotPool, []*big.Int{weth(1), usdc(1999)}, 1)
	if !errors.Is(err, core.ErrImbalancedSpotWithdraw) {
		t.Fatalf("err = %v, want ErrImbalancedSpotWithdraw", err)
	}

	if err := f.engine.Withdraw(context.Background(), alice, spotPool, []*big.Int{weth(1), usdc(2000)}, 1); err != nil {
		t.Fatalf("exact withdraw failed: %v", err)
	}

	entry, err := f.engine.PeekNext()
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	req, ok := entry.Request.(*queue.WithdrawSpotRequest)
	if !ok {
		t.Fatalf("request type %T, want WithdrawSpotRequest", entry.Request)
	}
	// Fee charged on the USDC leg only.
	if req.Amount0.Cmp(weth(1)) != 0 {
		t.Errorf("net amount0 = %s, want %s", req.Amount0, weth(1))
	}
	if req.Amount1.Cmp(usdc(1999)) != 0 {
		t.Errorf("net amount1 = %s, want %s", req.Amount1, usdc(1999))
	}
}

func TestWithdrawBalanced_ComputesPairedLeg(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(wethAddr, alice, weth(1))
	f.bank.Mint(usdcAddr, alice, usdc(2000))
	if err := f.engine.Deposit(context.Background(), alice, spotPool, []*big.Int{weth(1), usdc(2000)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if err := f.engine.WithdrawBalanced(context.Background(), alice, spotPool, weth(1), 1); err != nil {
		t.Fatalf("balanced withdraw failed: %v", err)
	}

	if got := f.active(spotPool, usdcAddr, alice); got.Sign() != 0 {
		t.Errorf("usdc active = %s, want 0", got)
	}
	if got := f.active(spotPool, wethAddr, alice); got.Sign() != 0 {
		t.Errorf("weth active = %s, want 0", got)
	}
}

func TestWithdrawBalanced_SinglePriceSample(t *testing.T) {
	f := newFixtureGateway(t, core.Pauses{}, nil, func(s *stubGateway) venue.Gateway {
		return &driftingGateway{stubGateway: s, drift: wethAddr}
	})
	f.bank.Mint(wethAddr, alice, weth(1))
	f.bank.Mint(usdcAddr, alice, usdc(2000))

	// Setup deposit reads WETH at 2000 and halves it to 1000.
	if err := f.engine.Deposit(context.Background(), alice, spotPool, []*big.Int{weth(1), usdc(2000)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// The withdrawal computes its paired leg at 1000 and the price halves
	// again behind it. The computed leg must not be re-checked against the
	// fresh sample, or the call rejects its own amounts.
	if err := f.engine.WithdrawBalanced(context.Background(), alice, spotPool, weth(1), 1); err != nil {
		t.Fatalf("balanced withdraw failed under price drift: %v", err)
	}

	if got := f.active(spotPool, usdcAddr, alice); got.Cmp(usdc(1000)) != 0 {
		t.Errorf("usdc active = %s, want %s", got, usdc(1000))
	}
	if got := f.active(spotPool, wethAddr, alice); got.Sign() != 0 {
		t.Errorf("weth active = %s, want 0", got)
	}
}

func TestWithdraw_Paused(t *testing.T) {
	f := newFixtureWith(t, core.Pauses{Withdrawals: true}, nil)

	err := f.engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{usdc(1)}, 0)
	if !errors.Is(err, core.ErrPaused) {
		t.Fatalf("err = %v, want ErrPaused", err)
	}
}

// ============================================================================
// Test: Reconciliation
// ============================================================================

// withdrawFifty deposits 100 USDC and withdraws 50, leaving queue entry 1
// with a net of 49 USDC awaiting reconciliation.
func withdrawFifty(t *testing.T, f *fixture) {
	t.Helper()
	f.bank.Mint(usdcAddr, alice, usdc(100))
	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := f.engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{usdc(50)}, 0); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	drainOutputs(f.persistCh)
}

func TestReconcile_CreditsPendingAndAdvances(t *testing.T) {
	f := newFixture(t)
	withdrawFifty(t, f)

	result := &queue.WithdrawPerpResult{AmountToReceive: usdc(48)}
	err := f.engine.Reconcile(context.Background(), opKey, 1, "b1c2d3e4-0000-0000-0000-000000000001", result)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if got := f.pending(perpPool, usdcAddr, alice); got.Cmp(usdc(48)) != 0 {
		t.Errorf("pending = %s, want %s", got, usdc(48))
	}
	if got := f.engine.ProcessedUpTo(); got != 1 {
		t.Errorf("processedUpTo = %d, want 1", got)
	}
	if got := f.engine.Backlog(); got != 0 {
		t.Errorf("backlog = %d, want 0", got)
	}

	outputs := drainOutputs(f.persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.Kind != event.KindUnqueue {
		t.Errorf("kind = %s, want Unqueue", outputs[0].Envelope.Kind)
	}
	if outputs[0].Reconciled == nil {
		t.Fatal("reconcile output missing record")
	}
	if outputs[0].Reconciled.Sequence != 1 {
		t.Errorf("record sequence = %d, want 1", outputs[0].Reconciled.Sequence)
	}
}

func TestReconcile_OutOfOrder(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(usdcAddr, alice, usdc(100))
	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := f.engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{usdc(30)}, 0); err != nil {
		t.Fatalf("withdraw 1 failed: %v", err)
	}
	if err := f.engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{usdc(30)}, 0); err != nil {
		t.Fatalf("withdraw 2 failed: %v", err)
	}

	// Entry 2 arrives before entry 1: rejected, nothing applied.
	result := &queue.WithdrawPerpResult{AmountToReceive: usdc(29)}
	err := f.engine.Reconcile(context.Background(), opKey, 2, "b1c2d3e4-0000-0000-0000-000000000002", result)
	if !errors.Is(err, queue.ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}

	if got := f.pending(perpPool, usdcAddr, alice); got.Sign() != 0 {
		t.Errorf("pending = %s, want 0", got)
	}
	if got := f.engine.ProcessedUpTo(); got != 0 {
		t.Errorf("processedUpTo = %d, want 0", got)
	}

	// The same response id must still apply once its turn comes: a rejected
	// application never marks the id processed.
	if err := f.engine.Reconcile(context.Background(), opKey, 1, "b1c2d3e4-0000-0000-0000-000000000001", result); err != nil {
		t.Fatalf("reconcile 1 failed: %v", err)
	}
	if err := f.engine.Reconcile(context.Background(), opKey, 2, "b1c2d3e4-0000-0000-0000-000000000002", result); err != nil {
		t.Fatalf("reconcile 2 failed: %v", err)
	}
	if got := f.pending(perpPool, usdcAddr, alice); got.Cmp(usdc(58)) != 0 {
		t.Errorf("pending = %s, want %s", got, usdc(58))
	}
}

func TestReconcile_DuplicateResponseIsNoOp(t *testing.T) {
	f := newFixture(t)
	withdrawFifty(t, f)

	result := &queue.WithdrawPerpResult{AmountToReceive: usdc(48)}
	responseID := "b1c2d3e4-0000-0000-0000-000000000003"
	if err := f.engine.Reconcile(context.Background(), opKey, 1, responseID, result); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	// Redelivery of the same response id: silently dropped, no state change.
	if err := f.engine.Reconcile(context.Background(), opKey, 1, responseID, result); err != nil {
		t.Fatalf("duplicate reconcile returned error: %v", err)
	}

	if got := f.pending(perpPool, usdcAddr, alice); got.Cmp(usdc(48)) != 0 {
		t.Errorf("pending = %s after duplicate, want %s", got, usdc(48))
	}
	if got := f.engine.ProcessedUpTo(); got != 1 {
		t.Errorf("processedUpTo = %d, want 1", got)
	}
}

func TestReconcile_Unauthorized(t *testing.T) {
	f := newFixture(t)
	withdrawFifty(t, f)

	result := &queue.WithdrawPerpResult{AmountToReceive: usdc(48)}
	err := f.engine.Reconcile(context.Background(), "wrong-key", 1, "", result)
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestReconcile_EmptyQueue(t *testing.T) {
	f := newFixture(t)

	result := &queue.WithdrawPerpResult{AmountToReceive: usdc(1)}
	err := f.engine.Reconcile(context.Background(), opKey, 1, "", result)
	if !errors.Is(err, queue.ErrEmptyQueue) {
		t.Fatalf("err = %v, want ErrEmptyQueue", err)
	}
}

func TestReconcile_ResultTypeMismatch(t *testing.T) {
	f := newFixture(t)
	withdrawFifty(t, f)

	err := f.engine.Reconcile(context.Background(), opKey, 1, "", &queue.DepositPerpResult{Shares: usdc(1)})
	if err == nil {
		t.Fatal("expected type mismatch error")
	}

	// The entry stays queued for a correct retry.
	if got := f.engine.Backlog(); got != 1 {
		t.Errorf("backlog = %d, want 1", got)
	}
}

func TestReconcile_NegativeResultRejected(t *testing.T) {
	f := newFixture(t)
	withdrawFifty(t, f)

	result := &queue.WithdrawPerpResult{AmountToReceive: big.NewInt(-1)}
	err := f.engine.Reconcile(context.Background(), opKey, 1, "", result)
	if !errors.Is(err, core.ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	if got := f.engine.Backlog(); got != 1 {
		t.Errorf("backlog = %d, want 1", got)
	}
}

func TestReconcile_SpotDepositIsAuditOnly(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(wethAddr, alice, weth(1))
	f.bank.Mint(usdcAddr, alice, usdc(2000))
	if err := f.engine.Deposit(context.Background(), alice, spotPool, []*big.Int{weth(1), usdc(2000)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	drainOutputs(f.persistCh)

	activeBefore := f.active(spotPool, usdcAddr, alice)
	result := &queue.DepositSpotResult{Amount1: usdc(2000)}
	if err := f.engine.Reconcile(context.Background(), opKey, 1, "", result); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	// Deposits were credited at request time; reconciliation only records.
	if got := f.active(spotPool, usdcAddr, alice); got.Cmp(activeBefore) != 0 {
		t.Errorf("active changed on audit reconcile: %s -> %s", activeBefore, got)
	}
	if got := f.pending(spotPool, usdcAddr, alice); got.Sign() != 0 {
		t.Errorf("pending = %s, want 0", got)
	}
	if got := f.engine.ProcessedUpTo(); got != 1 {
		t.Errorf("processedUpTo = %d, want 1", got)
	}
}

// ============================================================================
// Test: Claims
// ============================================================================

func TestClaim_PaysPendingOnce(t *testing.T) {
	f := newFixture(t)
	withdrawFifty(t, f)

	result := &queue.WithdrawPerpResult{AmountToReceive: usdc(48)}
	if err := f.engine.Reconcile(context.Background(), opKey, 1, "", result); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	drainOutputs(f.persistCh)

	if err := f.engine.Claim(context.Background(), alice, []common.Address{usdcAddr}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if got := f.bank.BalanceOf(usdcAddr, alice); got.Cmp(usdc(48)) != 0 {
		t.Errorf("external balance = %s, want %s", got, usdc(48))
	}
	if got := f.pending(perpPool, usdcAddr, alice); got.Sign() != 0 {
		t.Errorf("pending = %s, want 0", got)
	}

	outputs := drainOutputs(f.persistCh)
	if len(outputs) != 1 || outputs[0].Envelope.Kind != event.KindClaim {
		t.Fatalf("expected one Claim event, got %+v", outputs)
	}

	// A second claim is a silent no-op: nothing pending, nothing emitted.
	if err := f.engine.Claim(context.Background(), alice, []common.Address{usdcAddr}); err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if got := f.bank.BalanceOf(usdcAddr, alice); got.Cmp(usdc(48)) != 0 {
		t.Errorf("external balance = %s after no-op claim, want %s", got, usdc(48))
	}
	if outputs := drainOutputs(f.persistCh); len(outputs) != 0 {
		t.Errorf("no-op claim emitted %d events", len(outputs))
	}
}

// failingPushBank delegates to a MemoryBank but fails every Push.
type failingPushBank struct {
	*token.MemoryBank
}

func (b *failingPushBank) Push(ctx context.Context, tok, to common.Address, amount *big.Int) error {
	return errors.New("transfer endpoint down")
}

func TestClaim_PushFailureRestoresPending(t *testing.T) {
	inner := token.NewMemoryBank()
	f := newFixtureWith(t, core.Pauses{}, &failingPushBank{inner})
	inner.Mint(usdcAddr, alice, usdc(100))

	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := f.engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{usdc(50)}, 0); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	result := &queue.WithdrawPerpResult{AmountToReceive: usdc(48)}
	if err := f.engine.Reconcile(context.Background(), opKey, 1, "", result); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	err := f.engine.Claim(context.Background(), alice, []common.Address{usdcAddr})
	if err == nil {
		t.Fatal("expected claim failure")
	}

	// The pending balance survives the failed payout.
	if got := f.pending(perpPool, usdcAddr, alice); got.Cmp(usdc(48)) != 0 {
		t.Errorf("pending = %s, want %s", got, usdc(48))
	}
}

func TestClaim_Paused(t *testing.T) {
	f := newFixtureWith(t, core.Pauses{Claims: true}, nil)

	err := f.engine.Claim(context.Background(), alice, []common.Address{usdcAddr})
	if !errors.Is(err, core.ErrPaused) {
		t.Fatalf("err = %v, want ErrPaused", err)
	}
}

// ============================================================================
// Test: Operator fees
// ============================================================================

func TestClaimFees_PaysOperator(t *testing.T) {
	f := newFixture(t)
	withdrawFifty(t, f)

	if err := f.engine.ClaimFees(context.Background(), opKey, []common.Address{usdcAddr}); err != nil {
		t.Fatalf("claim fees failed: %v", err)
	}

	if got := f.bank.BalanceOf(usdcAddr, operator); got.Cmp(usdc(1)) != 0 {
		t.Errorf("operator balance = %s, want %s", got, usdc(1))
	}
	if credits := f.engine.FeeCredits(); len(credits) != 0 {
		t.Errorf("fee credits = %+v, want empty", credits)
	}
}

func TestClaimFees_Unauthorized(t *testing.T) {
	f := newFixture(t)
	withdrawFifty(t, f)

	err := f.engine.ClaimFees(context.Background(), "wrong-key", []common.Address{usdcAddr})
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if credits := f.engine.FeeCredits(); len(credits) != 1 {
		t.Errorf("fee credits = %+v, want untouched", credits)
	}
}

// ============================================================================
// Test: Reentrancy
// ============================================================================

// reentrantBank calls back into the engine from inside Pull, the way a
// malicious token contract would.
type reentrantBank struct {
	*token.MemoryBank
	engine *core.Engine
	nested error
	armed  bool
}

func (b *reentrantBank) Pull(ctx context.Context, tok, from common.Address, amount *big.Int) error {
	if b.armed {
		b.armed = false
		b.nested = b.engine.Deposit(ctx, from, perpPool, []*big.Int{usdc(1)}, nil, from)
	}
	return b.MemoryBank.Pull(ctx, tok, from, amount)
}

func TestDeposit_ReentrantCallRejected(t *testing.T) {
	inner := token.NewMemoryBank()
	bank := &reentrantBank{MemoryBank: inner}
	f := newFixtureWith(t, core.Pauses{}, bank)
	bank.engine = f.engine
	bank.armed = true
	inner.Mint(usdcAddr, alice, usdc(100))

	// The outer deposit succeeds; the nested call from inside Pull is the
	// one that must be rejected.
	if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
		t.Fatalf("outer deposit failed: %v", err)
	}
	if !errors.Is(bank.nested, core.ErrReentrant) {
		t.Fatalf("nested err = %v, want ErrReentrant", bank.nested)
	}

	// Only the outer deposit landed.
	if got := f.active(perpPool, usdcAddr, alice); got.Cmp(usdc(100)) != 0 {
		t.Errorf("active = %s, want %s", got, usdc(100))
	}
}

// ============================================================================
// Test: Event stream
// ============================================================================

func TestEventSequences_Monotonic(t *testing.T) {
	f := newFixture(t)
	f.bank.Mint(usdcAddr, alice, usdc(300))

	for i := 0; i < 3; i++ {
		if err := f.engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
	}

	outputs := drainOutputs(f.persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i+1) {
			t.Errorf("output %d: sequence = %d, want %d", i, o.Envelope.Sequence, i+1)
		}
		if o.Envelope.IdempotencyKey == "" {
			t.Errorf("output %d: empty idempotency key", i)
		}
	}
}

// ============================================================================
// Test: Quote asset metadata
// ============================================================================

func TestNewEngine_RegistryQuoteMetadataWins(t *testing.T) {
	registry := ledger.NewRegistry()
	meta := ledger.Token{Address: usdcAddr, Symbol: "USDC", Decimals: 6}
	registry.RegisterToken(meta)
	if _, err := registry.AddPool(perpPool, perpRoute, ledger.KindPerp, []ledger.Token{meta}); err != nil {
		t.Fatalf("add pool: %v", err)
	}
	book := ledger.NewBook()
	book.Ensure(ledger.Key{PoolID: perpPool, Token: usdcAddr}, new(big.Int))
	bank := token.NewMemoryBank()
	bank.Mint(usdcAddr, alice, usdc(100))

	// A disagreeing QuoteDecimals must not overwrite the pool token's
	// registered metadata or change the fee unit.
	engine := core.NewEngine(core.Config{
		Registry:      registry,
		Book:          book,
		Fees:          ledger.NewFeeAccount(),
		Queue:         queue.NewRequestQueue(),
		Gateway:       newStubGateway(),
		Bank:          bank,
		OperatorKey:   opKey,
		Operator:      operator,
		LinkedSigner:  signer,
		QuoteDecimals: 18,
		PersistChan:   make(chan core.Output, 64),
		Logger:        zerolog.Nop(),
	})

	if dec, err := registry.TokenDecimals(usdcAddr); err != nil || dec != 6 {
		t.Fatalf("quote decimals = %d (%v), want 6", dec, err)
	}

	if err := engine.Deposit(context.Background(), alice, perpPool, []*big.Int{usdc(100)}, nil, alice); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := engine.Withdraw(context.Background(), alice, perpPool, []*big.Int{usdc(50)}, 0); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	credits := engine.FeeCredits()
	if len(credits) != 1 || credits[0].Credit.Cmp(usdc(1)) != 0 {
		t.Errorf("fee credits = %+v, want one credit of %s", credits, usdc(1))
	}
}

var _ venue.Gateway = (*stubGateway)(nil)
