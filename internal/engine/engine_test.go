package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/matchbook-io/matchbook/internal/engine"
	"github.com/matchbook-io/matchbook/internal/model"
	"github.com/matchbook-io/matchbook/internal/repository"
	"github.com/matchbook-io/matchbook/pkg/errors"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A pooled :memory: connection would open a fresh empty database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.Order{}, &model.Execution{}))
	return db
}

func newTestEngine(t *testing.T) (*engine.Engine, repository.Store) {
	t.Helper()
	store := repository.NewGormStore(newTestDB(t), zaptest.NewLogger(t))
	return startEngine(t, store), store
}

func startEngine(t *testing.T, store repository.Store) *engine.Engine {
	t.Helper()
	eng := engine.New(store, zaptest.NewLogger(t), engine.Options{})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng
}

func price(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestSubmitValidation(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		side     model.Side
		quantity int64
		price    decimal.Decimal
	}{
		{"unknown side", model.Side("broker"), 10, price("100")},
		{"zero quantity", model.SideBuy, 0, price("100")},
		{"negative quantity", model.SideSell, -5, price("100")},
		{"zero price", model.SideBuy, 10, decimal.Zero},
		{"negative price", model.SideSell, 10, price("-1")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Submit(ctx, tc.side, tc.quantity, tc.price)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindValidation))
		})
	}

	// Rejections must leave no trace in the store.
	pending, err := store.PendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// Scenario: a bid below the best ask rests without producing executions.
func TestSubmitNoCross(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Submit(ctx, model.SideSell, 20, price("100"))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, model.SideSell, 20, price("101"))
	require.NoError(t, err)

	buyer, err := eng.Submit(ctx, model.SideBuy, 10, price("99"))
	require.NoError(t, err)
	assert.NotZero(t, buyer.ID)

	execs, err := store.CompletedExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, execs)

	bids, asks := eng.OrderBook()
	require.Len(t, bids, 1)
	require.Len(t, asks, 2)
	assert.Equal(t, int64(10), bids[0].Quantity)
	assert.True(t, bids[0].Price.Equal(price("99")))
	assert.Equal(t, int64(20), asks[0].Quantity)
	assert.Equal(t, int64(20), asks[1].Quantity)
}

// Scenario: a partially filled aggressor rests with the remainder and the
// execution takes the seller's quote.
func TestSubmitPartialFill(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	seller, err := eng.Submit(ctx, model.SideSell, 20, price("100"))
	require.NoError(t, err)
	buyer, err := eng.Submit(ctx, model.SideBuy, 30, price("101"))
	require.NoError(t, err)

	execs, err := store.CompletedExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Price.Equal(price("100")), "execution must take the seller's quote")
	assert.Equal(t, int64(20), execs[0].Quantity)
	require.NotNil(t, execs[0].BuyOrderID)
	require.NotNil(t, execs[0].SellOrderID)
	assert.Equal(t, buyer.ID, *execs[0].BuyOrderID)
	assert.Equal(t, seller.ID, *execs[0].SellOrderID)

	pending, err := store.PendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, buyer.ID, pending[0].ID)
	assert.Equal(t, int64(10), pending[0].Quantity)

	bids, asks := eng.OrderBook()
	require.Len(t, bids, 1)
	assert.Equal(t, int64(10), bids[0].Quantity)
	assert.Empty(t, asks)
}

// Scenario: an exact cross removes both orders.
func TestSubmitExactFill(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Submit(ctx, model.SideBuy, 50, price("98"))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, model.SideSell, 50, price("98"))
	require.NoError(t, err)

	execs, err := store.CompletedExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Price.Equal(price("98")))
	assert.Equal(t, int64(50), execs[0].Quantity)

	pending, err := store.PendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	bids, asks := eng.OrderBook()
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

// Scenario: equal prices fill in submission order (time priority).
func TestSubmitTimePriority(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	seller1, err := eng.Submit(ctx, model.SideSell, 10, price("100"))
	require.NoError(t, err)
	seller2, err := eng.Submit(ctx, model.SideSell, 10, price("100"))
	require.NoError(t, err)

	_, err = eng.Submit(ctx, model.SideBuy, 15, price("100"))
	require.NoError(t, err)

	execs, err := store.CompletedExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	// CompletedExecutions is newest-first.
	first, second := execs[1], execs[0]
	assert.Equal(t, int64(10), first.Quantity)
	assert.Equal(t, seller1.ID, *first.SellOrderID)
	assert.Equal(t, int64(5), second.Quantity)
	assert.Equal(t, seller2.ID, *second.SellOrderID)

	pending, err := store.PendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, seller2.ID, pending[0].ID)
	assert.Equal(t, int64(5), pending[0].Quantity)
}

// Quantity is conserved across a multi-level sweep and every resting
// order keeps a positive quantity.
func TestSweepConservation(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Submit(ctx, model.SideSell, 10, price("99"))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, model.SideSell, 15, price("100"))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, model.SideSell, 20, price("102"))
	require.NoError(t, err)

	buyer, err := eng.Submit(ctx, model.SideBuy, 30, price("100"))
	require.NoError(t, err)

	execs, err := store.CompletedExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	var executed int64
	for _, ex := range execs {
		executed += ex.Quantity
		// Crossing invariant: price within both limits.
		assert.True(t, ex.Price.LessThanOrEqual(price("100")))
	}
	assert.Equal(t, int64(25), executed)

	pending, err := store.PendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, o := range pending {
		assert.Positive(t, o.Quantity)
		assert.True(t, o.Price.GreaterThan(decimal.Zero))
	}
	// Buyer remainder: 30 submitted, 25 executed.
	require.Equal(t, buyer.ID, pending[0].ID)
	assert.Equal(t, int64(5), pending[0].Quantity)
}

// flakyStore injects a write failure inside the transaction scope.
type flakyStore struct {
	repository.Store
	failAppend bool
}

func (f *flakyStore) Transaction(ctx context.Context, fn func(repository.Store) error) error {
	return f.Store.Transaction(ctx, func(tx repository.Store) error {
		return fn(&flakyStore{Store: tx, failAppend: f.failAppend})
	})
}

func (f *flakyStore) AppendExecution(ctx context.Context, exec *model.Execution) error {
	if f.failAppend {
		return errors.New(errors.KindStore, "append failed")
	}
	return f.Store.AppendExecution(ctx, exec)
}

func TestStoreErrorRollsBackWholePass(t *testing.T) {
	base := repository.NewGormStore(newTestDB(t), zaptest.NewLogger(t))
	flaky := &flakyStore{Store: base}
	eng := startEngine(t, flaky)
	ctx := context.Background()

	_, err := eng.Submit(ctx, model.SideSell, 20, price("100"))
	require.NoError(t, err)

	flaky.failAppend = true
	_, err = eng.Submit(ctx, model.SideBuy, 30, price("101"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindStore))

	// The initiating insert rolled back with the pass: the buyer is not
	// resting, no execution was recorded and the seller is untouched.
	pending, err := base.PendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.SideSell, pending[0].Side)
	assert.Equal(t, int64(20), pending[0].Quantity)

	execs, err := base.CompletedExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, execs)

	bids, asks := eng.OrderBook()
	assert.Empty(t, bids)
	require.Len(t, asks, 1)
	assert.Equal(t, int64(20), asks[0].Quantity)
}

// blockingStore holds the worker inside Transaction until released.
type blockingStore struct {
	repository.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Transaction(ctx context.Context, fn func(repository.Store) error) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.Transaction(ctx, fn)
}

// queueDepth reads the submission queue gauge from the test registry.
func queueDepth(reg *prometheus.Registry) float64 {
	families, err := reg.Gather()
	if err != nil {
		return -1
	}
	for _, mf := range families {
		if mf.GetName() == "matchbook_submission_queue_depth" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestSubmitBusyWhenQueueFull(t *testing.T) {
	base := repository.NewGormStore(newTestDB(t), zaptest.NewLogger(t))
	blocking := &blockingStore{
		Store:   base,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	reg := prometheus.NewRegistry()
	eng := engine.New(blocking, zaptest.NewLogger(t), engine.Options{QueueSize: 1, Metrics: reg})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := eng.Submit(ctx, model.SideSell, 10, price("100"))
		firstDone <- err
	}()
	<-blocking.entered // worker is now mid-pass

	secondDone := make(chan error, 1)
	go func() {
		_, err := eng.Submit(ctx, model.SideBuy, 10, price("100"))
		secondDone <- err
	}()
	// Wait until the second submission occupies the single queue slot.
	require.Eventually(t, func() bool {
		return queueDepth(reg) == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, err := eng.Submit(ctx, model.SideBuy, 5, price("100"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBusy))

	close(blocking.release)
	require.NoError(t, <-firstDone)
	<-blocking.entered // second submission's pass
	require.NoError(t, <-secondDone)
}

// A submission whose caller cancels while it is queued still runs its
// matching pass; only the caller's wait is abandoned.
func TestQueuedSubmissionSurvivesCallerCancel(t *testing.T) {
	base := repository.NewGormStore(newTestDB(t), zaptest.NewLogger(t))
	blocking := &blockingStore{
		Store:   base,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	eng := engine.New(blocking, zaptest.NewLogger(t), engine.Options{QueueSize: 1})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := eng.Submit(ctx, model.SideSell, 10, price("100"))
		firstDone <- err
	}()
	<-blocking.entered // worker is now mid-pass

	buyerCtx, cancel := context.WithCancel(context.Background())
	secondDone := make(chan error, 1)
	go func() {
		_, err := eng.Submit(buyerCtx, model.SideBuy, 7, price("100"))
		secondDone <- err
	}()
	cancel()
	// The caller stops waiting, but its submission is already queued.
	require.ErrorIs(t, <-secondDone, context.Canceled)

	close(blocking.release)
	require.NoError(t, <-firstDone)
	<-blocking.entered // the cancelled caller's pass still runs

	// The commit strictly precedes the book update, so once the book
	// reflects the pass the rows are durable.
	require.Eventually(t, func() bool {
		bids, asks := eng.OrderBook()
		return len(bids) == 0 && len(asks) == 1 && asks[0].Quantity == 3
	}, 5*time.Second, 5*time.Millisecond)

	execs, err := base.CompletedExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, int64(7), execs[0].Quantity)
	assert.True(t, execs[0].Price.Equal(price("100")))

	pending, err := base.PendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.SideSell, pending[0].Side)
	assert.Equal(t, int64(3), pending[0].Quantity)
}

// A restarted engine rebuilds the same book from the durable store.
func TestColdStartRecovery(t *testing.T) {
	store := repository.NewGormStore(newTestDB(t), zaptest.NewLogger(t))
	eng := engine.New(store, zaptest.NewLogger(t), engine.Options{})
	require.NoError(t, eng.Start(context.Background()))
	ctx := context.Background()

	_, err := eng.Submit(ctx, model.SideSell, 20, price("101"))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, model.SideBuy, 10, price("99"))
	require.NoError(t, err)
	require.NoError(t, eng.Stop(ctx))

	restarted := startEngine(t, store)
	bids, asks := restarted.OrderBook()
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.Equal(t, int64(10), bids[0].Quantity)
	assert.True(t, bids[0].Price.Equal(price("99")))
	assert.Equal(t, int64(20), asks[0].Quantity)
	assert.True(t, asks[0].Price.Equal(price("101")))
}
