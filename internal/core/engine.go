package core

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/pricing"
	"PoolLedger/internal/queue"
	"PoolLedger/internal/token"
	"PoolLedger/internal/venue"
)

// Pauses gates the three user-facing paths independently. Toggling is an
// admin concern outside this core; the engine only consumes the booleans.
type Pauses struct {
	Deposits    bool
	Withdrawals bool
	Claims      bool
}

// Output carries one applied operation to the persistence and projection
// workers.
type Output struct {
	Envelope   *event.Envelope
	Entry      *queue.Entry
	Reconciled *ReconcileRecord
	Balances   []ledger.BalanceRow
	Fees       []ledger.FeeRow
}

// ReconcileRecord is the persistence view of one exactly-once application.
type ReconcileRecord struct {
	Sequence    uint64
	ResponseID  string
	RequestType queue.RequestType
	Result      queue.Result
	At          time.Time
}

// Config wires the engine's collaborators.
type Config struct {
	Registry *ledger.Registry
	Book     *ledger.Book
	Fees     *ledger.FeeAccount
	Queue    *queue.RequestQueue
	Gateway  venue.Gateway
	Bank     token.Bank
	Pauses   Pauses

	// OperatorKey authorizes reconcile/claimFees; Operator receives
	// reimbursed fees; LinkedSigner tags venue instructions for the
	// market-making network.
	OperatorKey  string
	Operator     common.Address
	LinkedSigner common.Address

	// QuoteDecimals is the fee asset's native precision; the fixed
	// settlement fee is one whole unit of it.
	QuoteDecimals uint8

	ResponseLRUCapacity int
	DBResponseChecker   DBResponseChecker

	PersistChan    chan<- Output
	ProjectionChan chan<- Output

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Engine is the pool ledger's single-threaded core: it owns all balance
// state and applies every public operation atomically. Callers serialize
// through the Dispatcher; the engine itself is not thread-safe. A
// call-scoped guard rejects reentrant entry from token or venue callbacks.
type Engine struct {
	registry *ledger.Registry
	book     *ledger.Book
	fees     *ledger.FeeAccount
	queue    *queue.RequestQueue
	pricer   *pricing.BalancedPricer
	gateway  venue.Gateway
	bank     token.Bank
	pauses   Pauses

	operatorKey  []byte
	operator     common.Address
	linkedSigner common.Address
	quoteUnit    *big.Int

	entered      bool
	eventSeq     int64
	dedup        *ResponseDeduper
	linkedRoutes map[common.Address]bool

	persistChan    chan<- Output
	projectionChan chan<- Output

	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewEngine(cfg Config) *Engine {
	capacity := cfg.ResponseLRUCapacity
	if capacity <= 0 {
		capacity = 100_000
	}

	// The quote asset must be priceable for fee conversion. Pool bootstrap
	// metadata wins when the token is already registered, and the fee unit
	// follows whichever decimals the registry ends up holding.
	quoteAddr := cfg.Gateway.QuoteAsset()
	if !cfg.Registry.KnownToken(quoteAddr) {
		cfg.Registry.RegisterToken(ledger.Token{
			Address:  quoteAddr,
			Symbol:   "QUOTE",
			Decimals: cfg.QuoteDecimals,
		})
	}
	quoteDecimals, err := cfg.Registry.TokenDecimals(quoteAddr)
	if err != nil {
		quoteDecimals = cfg.QuoteDecimals
	}

	return &Engine{
		registry:       cfg.Registry,
		book:           cfg.Book,
		fees:           cfg.Fees,
		queue:          cfg.Queue,
		pricer:         pricing.NewBalancedPricer(priceFeedFunc(cfg.Gateway.GetPrice), cfg.Registry),
		gateway:        cfg.Gateway,
		bank:           cfg.Bank,
		pauses:         cfg.Pauses,
		operatorKey:    []byte(cfg.OperatorKey),
		operator:       cfg.Operator,
		linkedSigner:   cfg.LinkedSigner,
		quoteUnit:      pricing.Pow10(quoteDecimals),
		dedup:          NewResponseDeduper(capacity, cfg.DBResponseChecker),
		linkedRoutes:   make(map[common.Address]bool),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		now:            time.Now,
	}
}

// priceFeedFunc adapts the gateway's price read to pricing.PriceFeed.
type priceFeedFunc func(common.Address) (*big.Int, error)

func (f priceFeedFunc) GetPrice(t common.Address) (*big.Int, error) { return f(t) }

// enter acquires the call-scoped reentrancy guard. Release with exit on
// every path.
func (e *Engine) enter() error {
	if e.entered {
		return ErrReentrant
	}
	e.entered = true
	return nil
}

func (e *Engine) exit() { e.entered = false }

// --- Deposits ---

// Deposit validates and applies a deposit into poolID for receiver, pulling
// the tokens from sender and crediting active balances synchronously: the
// venue transfer is fire-and-forget and usable immediately. Spot pools
// additionally enqueue an audit entry carrying the base amount and bounds so
// the realized quote amount can be recorded at reconciliation.
//
// For spot pools, bounds constrain the value-equivalence of the two legs;
// nil bounds demand an exact price match of amounts[1].
func (e *Engine) Deposit(ctx context.Context, sender common.Address, poolID uint32, amounts []*big.Int, bounds *pricing.Bounds, receiver common.Address) error {
	return e.deposit(ctx, sender, poolID, amounts, bounds, receiver, false)
}

// deposit is the shared deposit body. prechecked marks amounts whose value
// equivalence a balanced wrapper already validated; they are not re-checked,
// so one logical call samples the price feed exactly once.
func (e *Engine) deposit(ctx context.Context, sender common.Address, poolID uint32, amounts []*big.Int, bounds *pricing.Bounds, receiver common.Address, prechecked bool) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	start := e.now()

	pool, err := e.validateAmounts(poolID, amounts, e.pauses.Deposits)
	if err != nil {
		e.reject("deposit", err)
		return err
	}

	if pool.Kind == ledger.KindSpot && !prechecked {
		if err := e.checkSpotBalance(pool, amounts, bounds, ErrImbalancedSpotDeposit); err != nil {
			e.reject("deposit", err)
			return err
		}
	}

	// Hardcap pre-checks before any mutation or external call. A zero cap
	// means unbounded — policy applied here, not in the Book.
	for i, t := range pool.Tokens {
		if amounts[i].Sign() == 0 {
			continue
		}
		key := ledger.Key{PoolID: poolID, Token: t.Address}
		hardcap := e.book.Hardcap(key)
		if hardcap.Sign() > 0 {
			room := new(big.Int).Add(e.book.ActiveTotal(key), amounts[i])
			if room.Cmp(hardcap) > 0 {
				err := fmt.Errorf("%w: %s + %s > %s on %s", ErrHardcapExceeded, e.book.ActiveTotal(key), amounts[i], hardcap, key)
				e.reject("deposit", err)
				return err
			}
		}
	}

	// Pull tokens into custody. On a partial failure the already-pulled
	// legs are returned so the call mutates nothing.
	var pulled []int
	for i, t := range pool.Tokens {
		if amounts[i].Sign() == 0 {
			continue
		}
		if err := e.bank.Pull(ctx, t.Address, sender, amounts[i]); err != nil {
			for _, j := range pulled {
				if pushErr := e.bank.Push(ctx, pool.Tokens[j].Address, sender, amounts[j]); pushErr != nil {
					e.log.Error().Err(pushErr).Uint32("pool", poolID).Msg("deposit unwind failed")
				}
			}
			e.reject("deposit", err)
			return fmt.Errorf("pull %s: %w", t.Address.Hex(), err)
		}
		pulled = append(pulled, i)
	}

	if err := e.ensureLinkedSigner(ctx, pool.VenueRoute); err != nil {
		e.log.Warn().Err(err).Uint32("pool", poolID).Msg("link signer submission failed")
	}

	// Forward to the venue, then credit locally. Submission failures are
	// logged, not fatal: the instruction can be re-submitted operationally.
	keys := make([]ledger.Key, 0, len(pool.Tokens))
	for i, t := range pool.Tokens {
		if amounts[i].Sign() == 0 {
			continue
		}
		data, err := venue.EncodeDeposit(pool.VenueRoute, e.linkedSigner, t.Address, amounts[i])
		if err != nil {
			e.reject("deposit", err)
			return err
		}
		if err := e.gateway.SubmitTransaction(ctx, data); err != nil {
			e.log.Warn().Err(err).Uint32("pool", poolID).Str("token", t.Address.Hex()).Msg("venue deposit submission failed")
		}

		key := ledger.Key{PoolID: poolID, Token: t.Address}
		e.book.CreditActive(key, receiver, amounts[i])
		keys = append(keys, key)
	}

	for _, key := range keys {
		if err := e.book.ValidateActiveSum(key); err != nil {
			panic(fmt.Sprintf("FATAL: ledger invariant violated: %v", err))
		}
	}

	var queueSeq *uint64
	var entry *queue.Entry
	if pool.Kind == ledger.KindSpot {
		b := e.spotBounds(amounts, bounds)
		entry = &queue.Entry{
			PoolID:     poolID,
			Sender:     sender,
			VenueRoute: pool.VenueRoute,
			Request: &queue.DepositSpotRequest{
				Token0:     pool.Tokens[0].Address,
				Token1:     pool.Tokens[1].Address,
				Amount0:    new(big.Int).Set(amounts[0]),
				Amount1Low: b.Low,
				Amount1Hi:  b.High,
				Receiver:   receiver,
			},
			EnqueuedAt: start,
		}
		seq := e.queue.Enqueue(entry)
		queueSeq = &seq
	}

	payload := &event.Deposit{
		PoolID:        poolID,
		Sender:        sender,
		Receiver:      receiver,
		Amounts:       tokenAmounts(pool, amounts),
		QueueSequence: queueSeq,
	}
	e.emit(e.envelope(event.KindDeposit, &poolID, receiver, payload), entry, nil, e.book.UserRows(receiver, keys), nil)

	e.applied("deposit", start)
	return nil
}

// DepositBalanced computes the paired quote amount for a fixed base amount,
// validates it against [amount1Low, amount1High], and runs the deposit with
// both legs populated.
func (e *Engine) DepositBalanced(ctx context.Context, sender common.Address, poolID uint32, amount0, amount1Low, amount1High *big.Int, receiver common.Address) error {
	pool, ok := e.registry.Pool(poolID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPool, poolID)
	}
	if pool.Kind != ledger.KindSpot {
		return fmt.Errorf("%w: pool %d is not dual-asset", ErrTokenCountMismatch, poolID)
	}

	bounds := pricing.Bounds{Low: amount1Low, High: amount1High}
	amount1, err := e.pricer.BalancedAmount(pool.Tokens[0].Address, pool.Tokens[1].Address, amount0)
	if err != nil {
		return err
	}
	if !bounds.Contains(amount1) {
		return fmt.Errorf("%w: balanced amount %s outside %s", ErrSlippageExceeded, amount1, bounds)
	}

	return e.deposit(ctx, sender, poolID, []*big.Int{amount0, amount1}, &bounds, receiver, true)
}

// --- Withdrawals ---

// Withdraw debits the sender's active balances, charges the fixed venue
// settlement fee on the feeIndex leg, submits the venue withdrawal, and
// enqueues the net amounts for reconciliation. Pending balances are NOT set
// here — only reconciliation can do that, because the returnable amount
// depends on the venue's confirmation.
func (e *Engine) Withdraw(ctx context.Context, sender common.Address, poolID uint32, amounts []*big.Int, feeIndex int) error {
	return e.withdraw(ctx, sender, poolID, amounts, feeIndex, false)
}

// withdraw is the shared withdrawal body. prechecked marks amounts a
// balanced wrapper computed itself; re-checking them against a fresh price
// sample could spuriously reject the wrapper's own leg.
func (e *Engine) withdraw(ctx context.Context, sender common.Address, poolID uint32, amounts []*big.Int, feeIndex int, prechecked bool) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	start := e.now()

	pool, err := e.validateAmounts(poolID, amounts, e.pauses.Withdrawals)
	if err != nil {
		e.reject("withdraw", err)
		return err
	}
	if feeIndex < 0 || feeIndex >= len(amounts) {
		err := fmt.Errorf("%w: fee index %d out of range", ErrInvalidAmount, feeIndex)
		e.reject("withdraw", err)
		return err
	}

	if pool.Kind == ledger.KindSpot && !prechecked {
		// Plain withdrawals demand exact value equivalence at the current
		// price; callers wanting tolerance go through WithdrawBalanced.
		if err := e.checkSpotBalance(pool, amounts, nil, ErrImbalancedSpotWithdraw); err != nil {
			e.reject("withdraw", err)
			return err
		}
	}

	// Validate every leg before mutating any: all-or-nothing per call.
	for i, t := range pool.Tokens {
		key := ledger.Key{PoolID: poolID, Token: t.Address}
		if e.book.Active(key, sender).Cmp(amounts[i]) < 0 {
			err := fmt.Errorf("%w: %s of %s exceeds active %s", ErrInsufficientBalance, amounts[i], t.Address.Hex(), e.book.Active(key, sender))
			e.reject("withdraw", err)
			return err
		}
	}

	feeToken := pool.Tokens[feeIndex].Address
	feeAmount, err := e.settlementFee(feeToken)
	if err != nil {
		e.reject("withdraw", err)
		return err
	}
	if amounts[feeIndex].Cmp(feeAmount) <= 0 {
		err := fmt.Errorf("%w: fee %s consumes withdrawn %s", ErrInsufficientBalance, feeAmount, amounts[feeIndex])
		e.reject("withdraw", err)
		return err
	}

	// Mutate: debit active, charge fee, compute net legs.
	nets := make([]*big.Int, len(amounts))
	keys := make([]ledger.Key, len(amounts))
	for i, t := range pool.Tokens {
		key := ledger.Key{PoolID: poolID, Token: t.Address}
		keys[i] = key
		if err := e.book.DebitActive(key, sender, amounts[i]); err != nil {
			panic(fmt.Sprintf("FATAL: debit failed after validation: %v", err))
		}
		nets[i] = new(big.Int).Set(amounts[i])
	}

	feeKey := keys[feeIndex]
	nets[feeIndex].Sub(nets[feeIndex], feeAmount)
	e.fees.Credit(feeToken, feeAmount)
	e.book.RecordUserFee(feeKey, sender, feeAmount)

	for _, key := range keys {
		if err := e.book.ValidateActiveSum(key); err != nil {
			panic(fmt.Sprintf("FATAL: ledger invariant violated: %v", err))
		}
	}

	// Submit venue withdrawals for the net amounts.
	for i, t := range pool.Tokens {
		if nets[i].Sign() == 0 {
			continue
		}
		data, err := venue.EncodeWithdraw(pool.VenueRoute, e.linkedSigner, t.Address, nets[i])
		if err != nil {
			panic(fmt.Sprintf("FATAL: encode venue withdraw: %v", err))
		}
		if err := e.gateway.SubmitTransaction(ctx, data); err != nil {
			e.log.Warn().Err(err).Uint32("pool", poolID).Str("token", t.Address.Hex()).Msg("venue withdraw submission failed")
		}
	}

	var req queue.Request
	if pool.Kind == ledger.KindSpot {
		req = &queue.WithdrawSpotRequest{
			Token0:  pool.Tokens[0].Address,
			Token1:  pool.Tokens[1].Address,
			Amount0: nets[0],
			Amount1: nets[1],
		}
	} else {
		req = &queue.WithdrawPerpRequest{
			Token:  pool.Tokens[0].Address,
			Amount: nets[0],
		}
	}
	entry := &queue.Entry{
		PoolID:     poolID,
		Sender:     sender,
		VenueRoute: pool.VenueRoute,
		Request:    req,
		EnqueuedAt: start,
	}
	seq := e.queue.Enqueue(entry)

	payload := &event.Withdraw{
		PoolID:        poolID,
		Sender:        sender,
		Amounts:       tokenAmounts(pool, amounts),
		FeeToken:      feeToken,
		FeeAmount:     feeAmount,
		QueueSequence: seq,
	}
	e.emit(e.envelope(event.KindWithdraw, &poolID, sender, payload), entry, nil, e.book.UserRows(sender, keys), e.fees.Snapshot())

	e.applied("withdraw", start)
	return nil
}

// WithdrawBalanced computes the paired amount for a fixed base amount at the
// current price and withdraws both legs. No tolerance band applies: the
// computed amount is used as-is.
func (e *Engine) WithdrawBalanced(ctx context.Context, sender common.Address, poolID uint32, amount0 *big.Int, feeIndex int) error {
	pool, ok := e.registry.Pool(poolID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPool, poolID)
	}
	if pool.Kind != ledger.KindSpot {
		return fmt.Errorf("%w: pool %d is not dual-asset", ErrTokenCountMismatch, poolID)
	}

	amount1, err := e.pricer.BalancedAmount(pool.Tokens[0].Address, pool.Tokens[1].Address, amount0)
	if err != nil {
		return err
	}

	return e.withdraw(ctx, sender, poolID, []*big.Int{amount0, amount1}, feeIndex, true)
}

// --- Claims ---

// Claim pays out the account's pending balances for the named tokens,
// sweeping every pool that lists each token. Anyone may trigger a claim for
// any account; the funds always go to the account that owns the pending
// balance. A zero pending balance is a no-op, so Claim is idempotent.
func (e *Engine) Claim(ctx context.Context, account common.Address, tokens []common.Address) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	start := e.now()

	if e.pauses.Claims {
		e.reject("claim", ErrPaused)
		return fmt.Errorf("%w: claims", ErrPaused)
	}

	var paid []event.TokenAmount
	var keys []ledger.Key

	for _, tok := range tokens {
		total := new(big.Int)
		cleared := make(map[ledger.Key]*big.Int)
		for _, pool := range e.registry.PoolsWithToken(tok) {
			key := ledger.Key{PoolID: pool.ID, Token: tok}
			amount := e.book.ClearPending(key, account)
			if amount.Sign() > 0 {
				total.Add(total, amount)
				cleared[key] = amount
				keys = append(keys, key)
			}
		}

		if total.Sign() == 0 {
			continue
		}

		if err := e.bank.Push(ctx, tok, account, total); err != nil {
			// Restore what was cleared; the call must not burn pending
			// balances on a failed payout.
			for key, amount := range cleared {
				e.book.CreditPending(key, account, amount)
			}
			e.reject("claim", err)
			return fmt.Errorf("pay claim of %s: %w", tok.Hex(), err)
		}

		paid = append(paid, event.TokenAmount{Token: tok, Amount: total})
	}

	if len(paid) > 0 {
		payload := &event.Claim{Account: account, Paid: paid}
		e.emit(e.envelope(event.KindClaim, nil, account, payload), nil, nil, e.book.UserRows(account, keys), nil)
	}

	e.applied("claim", start)
	return nil
}

// --- Reconciliation ---

// Reconcile applies a venue-computed result to the queue entry at sequence.
// Privileged; strictly ordered (sequence must be processedUpTo+1); replay
// safe (duplicate response ids are no-ops). This is the only path that ever
// increases pending balances.
func (e *Engine) Reconcile(ctx context.Context, operatorKey string, sequence uint64, responseID string, result queue.Result) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	start := e.now()

	if !e.authorized(operatorKey) {
		e.reject("reconcile", ErrUnauthorized)
		return ErrUnauthorized
	}
	if responseID == "" {
		responseID = uuid.NewString()
	}

	if e.dedup.IsDuplicate(responseID) {
		e.log.Debug().Str("response_id", responseID).Uint64("sequence", sequence).Msg("duplicate reconcile response dropped")
		if e.metrics != nil {
			e.metrics.ReconcileDuplicates.Inc()
		}
		return nil
	}

	entry, err := e.queue.Take(sequence)
	if err != nil {
		e.reject("reconcile", err)
		return err
	}

	if entry.Request.RequestType() != result.RequestType() {
		err := fmt.Errorf("result type %s does not match entry %d of type %s",
			result.RequestType(), sequence, entry.Request.RequestType())
		e.reject("reconcile", err)
		return err
	}

	var credited []event.TokenAmount
	var keys []ledger.Key

	switch res := result.(type) {
	case *queue.DepositSpotResult, *queue.DepositPerpResult:
		// Active balances were credited at request time; the realized
		// figures are recorded for audit against the venue's own ledger.

	case *queue.WithdrawPerpResult:
		req := entry.Request.(*queue.WithdrawPerpRequest)
		if res.AmountToReceive == nil || res.AmountToReceive.Sign() < 0 {
			e.reject("reconcile", ErrInvalidAmount)
			return fmt.Errorf("%w: amount_to_receive", ErrInvalidAmount)
		}
		key := ledger.Key{PoolID: entry.PoolID, Token: req.Token}
		e.book.CreditPending(key, entry.Sender, res.AmountToReceive)
		credited = append(credited, event.TokenAmount{Token: req.Token, Amount: res.AmountToReceive})
		keys = append(keys, key)

	case *queue.WithdrawSpotResult:
		req := entry.Request.(*queue.WithdrawSpotRequest)
		if res.Amount0ToReceive == nil || res.Amount1ToReceive == nil ||
			res.Amount0ToReceive.Sign() < 0 || res.Amount1ToReceive.Sign() < 0 {
			e.reject("reconcile", ErrInvalidAmount)
			return fmt.Errorf("%w: amounts to receive", ErrInvalidAmount)
		}
		key0 := ledger.Key{PoolID: entry.PoolID, Token: req.Token0}
		key1 := ledger.Key{PoolID: entry.PoolID, Token: req.Token1}
		e.book.CreditPending(key0, entry.Sender, res.Amount0ToReceive)
		e.book.CreditPending(key1, entry.Sender, res.Amount1ToReceive)
		credited = append(credited,
			event.TokenAmount{Token: req.Token0, Amount: res.Amount0ToReceive},
			event.TokenAmount{Token: req.Token1, Amount: res.Amount1ToReceive},
		)
		keys = append(keys, key0, key1)

	default:
		err := fmt.Errorf("unknown result type %T", result)
		e.reject("reconcile", err)
		return err
	}

	e.queue.Advance()
	e.dedup.MarkProcessed(responseID)

	record := &ReconcileRecord{
		Sequence:    sequence,
		ResponseID:  responseID,
		RequestType: entry.Request.RequestType(),
		Result:      result,
		At:          start,
	}
	payload := &event.Unqueue{
		QueueSequence: sequence,
		RequestType:   entry.Request.RequestType().String(),
		ResponseID:    responseID,
		Sender:        entry.Sender,
		PoolID:        entry.PoolID,
		Credited:      credited,
	}
	e.emit(e.envelope(event.KindUnqueue, &entry.PoolID, entry.Sender, payload), nil, record, e.book.UserRows(entry.Sender, keys), nil)

	if e.metrics != nil {
		e.metrics.QueueProcessedUpTo.Set(float64(e.queue.ProcessedUpTo()))
		e.metrics.QueueBacklog.Set(float64(e.queue.Backlog()))
	}
	e.applied("reconcile", start)
	return nil
}

// --- Fees ---

// ClaimFees reimburses the operator's advanced settlement fees for the named
// tokens. Privileged.
func (e *Engine) ClaimFees(ctx context.Context, operatorKey string, tokens []common.Address) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	start := e.now()

	if !e.authorized(operatorKey) {
		e.reject("claim_fees", ErrUnauthorized)
		return ErrUnauthorized
	}

	var paid []event.TokenAmount
	for _, tok := range tokens {
		amount := e.fees.Clear(tok)
		if amount.Sign() == 0 {
			continue
		}
		if err := e.bank.Push(ctx, tok, e.operator, amount); err != nil {
			e.fees.Credit(tok, amount)
			e.reject("claim_fees", err)
			return fmt.Errorf("pay fees of %s: %w", tok.Hex(), err)
		}
		paid = append(paid, event.TokenAmount{Token: tok, Amount: amount})
	}

	if len(paid) > 0 {
		payload := &event.FeesClaimed{Operator: e.operator, Paid: paid}
		e.emit(e.envelope(event.KindFeesClaimed, nil, e.operator, payload), nil, nil, nil, e.fees.Snapshot())
	}

	e.applied("claim_fees", start)
	return nil
}

// --- Read surface ---

// PeekNext returns the next entry awaiting reconciliation.
func (e *Engine) PeekNext() (*queue.Entry, error) { return e.queue.PeekNext() }

// ProcessedUpTo returns the last reconciled queue sequence.
func (e *Engine) ProcessedUpTo() uint64 { return e.queue.ProcessedUpTo() }

// QueueCount returns the last allocated queue sequence.
func (e *Engine) QueueCount() uint64 { return e.queue.Count() }

// Backlog returns the number of outstanding queue entries.
func (e *Engine) Backlog() uint64 { return e.queue.Backlog() }

// UserBalances reports the account's rows across every registered ledger.
func (e *Engine) UserBalances(account common.Address) []ledger.BalanceRow {
	var keys []ledger.Key
	for _, id := range e.registry.PoolIDs() {
		pool, _ := e.registry.Pool(id)
		for _, t := range pool.Tokens {
			keys = append(keys, ledger.Key{PoolID: id, Token: t.Address})
		}
	}
	return e.book.UserRows(account, keys)
}

// ActiveTotal exposes one ledger's aggregate for introspection.
func (e *Engine) ActiveTotal(poolID uint32, token common.Address) *big.Int {
	return e.book.ActiveTotal(ledger.Key{PoolID: poolID, Token: token})
}

// FeeCredits returns the operator's outstanding per-token credit.
func (e *Engine) FeeCredits() []ledger.FeeRow { return e.fees.Snapshot() }

// --- Internals ---

func (e *Engine) validateAmounts(poolID uint32, amounts []*big.Int, paused bool) (*ledger.Pool, error) {
	if paused {
		return nil, ErrPaused
	}
	pool, ok := e.registry.Pool(poolID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPool, poolID)
	}
	if len(amounts) != len(pool.Tokens) {
		return nil, fmt.Errorf("%w: got %d, pool has %d", ErrTokenCountMismatch, len(amounts), len(pool.Tokens))
	}
	for i, a := range amounts {
		if a == nil || a.Sign() < 0 {
			return nil, fmt.Errorf("%w: amounts[%d]", ErrInvalidAmount, i)
		}
	}
	return pool, nil
}

// checkSpotBalance enforces value equivalence of a dual-asset operation.
// With bounds, both the pricer-computed paired amount and the caller's
// amounts[1] must fall inside them; without, amounts[1] must match exactly.
func (e *Engine) checkSpotBalance(pool *ledger.Pool, amounts []*big.Int, bounds *pricing.Bounds, sentinel error) error {
	computed, err := e.pricer.BalancedAmount(pool.Tokens[0].Address, pool.Tokens[1].Address, amounts[0])
	if err != nil {
		return err
	}
	if bounds == nil {
		if computed.Cmp(amounts[1]) != 0 {
			return fmt.Errorf("%w: amount1 %s, balanced %s", sentinel, amounts[1], computed)
		}
		return nil
	}
	if !bounds.Contains(computed) || !bounds.Contains(amounts[1]) {
		return fmt.Errorf("%w: amount1 %s, balanced %s, bounds %s", sentinel, amounts[1], computed, bounds)
	}
	return nil
}

func (e *Engine) spotBounds(amounts []*big.Int, bounds *pricing.Bounds) pricing.Bounds {
	if bounds != nil {
		return pricing.Bounds{
			Low:  new(big.Int).Set(bounds.Low),
			High: new(big.Int).Set(bounds.High),
		}
	}
	return pricing.Bounds{
		Low:  new(big.Int).Set(amounts[1]),
		High: new(big.Int).Set(amounts[1]),
	}
}

// settlementFee converts the fixed fee (one unit of the venue's quote
// asset) into the fee token at the current price. No caller bound protects
// this sample: the fee is small and fixed in quote terms.
func (e *Engine) settlementFee(feeToken common.Address) (*big.Int, error) {
	quote := e.gateway.QuoteAsset()
	if feeToken == quote {
		return new(big.Int).Set(e.quoteUnit), nil
	}
	fee, err := e.pricer.BalancedAmount(quote, feeToken, e.quoteUnit)
	if err != nil {
		return nil, fmt.Errorf("settlement fee in %s: %w", feeToken.Hex(), err)
	}
	return fee, nil
}

func (e *Engine) ensureLinkedSigner(ctx context.Context, route common.Address) error {
	if e.linkedRoutes[route] {
		return nil
	}
	data, err := venue.EncodeLinkSigner(route, e.linkedSigner)
	if err != nil {
		return err
	}
	if err := e.gateway.SubmitTransaction(ctx, data); err != nil {
		return err
	}
	e.linkedRoutes[route] = true
	return nil
}

func (e *Engine) authorized(key string) bool {
	return len(e.operatorKey) > 0 &&
		subtle.ConstantTimeCompare([]byte(key), e.operatorKey) == 1
}

func (e *Engine) envelope(kind event.Kind, poolID *uint32, account common.Address, payload event.Payload) *event.Envelope {
	e.eventSeq++
	return &event.Envelope{
		Sequence:       e.eventSeq,
		Kind:           kind,
		IdempotencyKey: fmt.Sprintf("%s:%d", kind, e.eventSeq),
		PoolID:         poolID,
		Account:        account,
		Timestamp:      e.now(),
		Payload:        payload,
	}
}

// emit sends the output downstream: blocking to persistence (no event may
// be lost), non-blocking to projections (rebuildable, drop on full).
func (e *Engine) emit(env *event.Envelope, entry *queue.Entry, rec *ReconcileRecord, balances []ledger.BalanceRow, fees []ledger.FeeRow) {
	out := Output{
		Envelope:   env,
		Entry:      entry,
		Reconciled: rec,
		Balances:   balances,
		Fees:       fees,
	}

	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (e *Engine) reject(op string, err error) {
	e.log.Debug().Err(err).Str("op", op).Msg("operation rejected")
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op).Inc()
	}
}

func (e *Engine) applied(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(e.now().Sub(start).Seconds())
	}
}

func tokenAmounts(pool *ledger.Pool, amounts []*big.Int) []event.TokenAmount {
	out := make([]event.TokenAmount, len(amounts))
	for i, t := range pool.Tokens {
		out[i] = event.TokenAmount{Token: t.Address, Amount: new(big.Int).Set(amounts[i])}
	}
	return out
}
