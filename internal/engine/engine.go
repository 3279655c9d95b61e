// Package engine implements the order matching engine: a single owning
// worker that processes submissions strictly in arrival order, runs one
// price-time priority matching pass per submission and commits the insert
// plus every resulting write as one atomic unit.
package engine

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matchbook-io/matchbook/internal/book"
	"github.com/matchbook-io/matchbook/internal/model"
	"github.com/matchbook-io/matchbook/internal/repository"
	"github.com/matchbook-io/matchbook/pkg/errors"
)

// Options configures an Engine.
type Options struct {
	// QueueSize bounds the submission queue. A full queue yields a busy
	// error to the caller; submissions are never silently dropped.
	QueueSize int
	// Metrics is the Prometheus registerer; nil disables exposition.
	Metrics prometheus.Registerer
}

type submission struct {
	ctx   context.Context
	order model.Order
	reply chan result
}

type result struct {
	order *model.Order
	execs []model.Execution
	err   error
}

// Engine owns the resting-order set. All mutations flow through its worker
// goroutine; the book is only ever updated after a successful commit, so
// readers always see the state as of the last committed pass.
type Engine struct {
	store   repository.Store
	book    *book.Book
	log     *zap.Logger
	metrics *metrics

	submits chan *submission
	quit    chan struct{}
	done    chan struct{}
}

// New creates an engine over the given store.
func New(store repository.Store, log *zap.Logger, opts Options) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Engine{
		store:   store,
		book:    book.New(),
		log:     log,
		metrics: newMetrics(opts.Metrics),
		submits: make(chan *submission, opts.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start rebuilds the book from the durable store and launches the worker.
func (e *Engine) Start(ctx context.Context) error {
	orders, err := e.store.PendingOrders(ctx)
	if err != nil {
		return err
	}
	e.book.Load(orders)
	bids, asks := e.book.Len()
	e.log.Info("order book recovered",
		zap.Int("bids", bids),
		zap.Int("asks", asks))

	go e.run()
	return nil
}

// Stop drains queued submissions and stops the worker. Submissions arriving
// after Stop are rejected as busy.
func (e *Engine) Stop(ctx context.Context) error {
	close(e.quit)
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates the order, queues it for the worker and blocks until
// its matching pass has committed. The returned order carries the values
// as inserted; resting state may already be reduced by the pass it
// triggered.
func (e *Engine) Submit(ctx context.Context, side model.Side, quantity int64, price decimal.Decimal) (*model.Order, error) {
	order := model.Order{Side: side, Quantity: quantity, Price: price}
	if err := order.Validate(); err != nil {
		e.metrics.ordersRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	s := &submission{ctx: ctx, order: order, reply: make(chan result, 1)}

	select {
	case <-e.quit:
		return nil, errors.New(errors.KindBusy, "matching engine is shut down")
	default:
	}
	select {
	case e.submits <- s:
		e.metrics.queueDepth.Set(float64(len(e.submits)))
	default:
		e.metrics.ordersRejected.WithLabelValues("busy").Inc()
		return nil, errors.New(errors.KindBusy, "submission queue is full, retry later")
	}

	select {
	case res := <-s.reply:
		return res.order, res.err
	case <-e.done:
		return nil, errors.New(errors.KindBusy, "matching engine is shut down")
	case <-ctx.Done():
		// The submission stays queued and will still be processed in
		// order; only the caller stops waiting for the outcome.
		return nil, ctx.Err()
	}
}

// OrderBook returns the bid/ask view of the last committed pass: bids by
// descending price, asks by ascending price, time priority within a level.
func (e *Engine) OrderBook() (bids, asks []model.Order) {
	return e.book.Snapshot()
}

// MarketDepth aggregates resting quantity per price level and side.
func (e *Engine) MarketDepth() map[string]book.DepthLevel {
	return e.book.Depth()
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case s := <-e.submits:
			e.handle(s)
		case <-e.quit:
			for {
				select {
				case s := <-e.submits:
					e.handle(s)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) handle(s *submission) {
	e.metrics.queueDepth.Set(float64(len(e.submits)))

	// The caller's cancellation only abandons the wait; a queued
	// submission still runs to completion so queue order is preserved.
	accepted, execs, err := e.process(context.WithoutCancel(s.ctx), s.order)
	if err != nil {
		s.reply <- result{err: err}
		return
	}
	s.reply <- result{order: accepted, execs: execs}
}

// process runs one submission end to end: insert, full matching pass and
// all resulting writes inside a single transaction. A failure anywhere
// rolls everything back, leaving store and book exactly as before; failed
// passes are never retried because partial application is not idempotent.
func (e *Engine) process(ctx context.Context, order model.Order) (*model.Order, []model.Execution, error) {
	start := time.Now()

	var (
		accepted model.Order
		execs    []model.Execution
		matches  []match
		bids     []model.Order
		asks     []model.Order
	)
	err := e.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.CreateOrder(ctx, &order); err != nil {
			return err
		}
		accepted = order

		bids, asks = e.book.Snapshot()
		if order.Side == model.SideBuy {
			bids = insertByPriority(bids, order, bidBefore)
		} else {
			asks = insertByPriority(asks, order, askBefore)
		}

		matches = runMatchingPass(bids, asks)

		now := time.Now().UTC()
		for _, m := range matches {
			exec := model.Execution{
				Price:       m.Price,
				Quantity:    m.Quantity,
				BuyOrderID:  &m.BuyOrderID,
				SellOrderID: &m.SellOrderID,
				CompletedAt: now,
			}
			if err := tx.AppendExecution(ctx, &exec); err != nil {
				return err
			}
			execs = append(execs, exec)

			if m.BuyRemaining > 0 {
				if err := tx.UpdateOrderQuantity(ctx, m.BuyOrderID, m.BuyRemaining); err != nil {
					return err
				}
			} else if err := tx.DeleteOrder(ctx, m.BuyOrderID); err != nil {
				return err
			}

			if m.SellRemaining > 0 {
				if err := tx.UpdateOrderQuantity(ctx, m.SellOrderID, m.SellRemaining); err != nil {
					return err
				}
			} else if err := tx.DeleteOrder(ctx, m.SellOrderID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.metrics.ordersRejected.WithLabelValues("store").Inc()
		e.log.Error("matching pass aborted, transaction rolled back",
			zap.String("side", string(order.Side)),
			zap.Error(err))
		return nil, nil, err
	}

	e.applyToBook(accepted, bids, asks, matches)

	e.metrics.ordersSubmitted.Inc()
	e.metrics.executions.Add(float64(len(matches)))
	for _, m := range matches {
		e.metrics.matchedQuantity.Add(float64(m.Quantity))
	}
	e.metrics.passDuration.Observe(time.Since(start).Seconds())

	e.log.Info("order processed",
		zap.Uint64("order_id", accepted.ID),
		zap.String("side", string(accepted.Side)),
		zap.Int64("quantity", accepted.Quantity),
		zap.String("price", accepted.Price.String()),
		zap.Int("executions", len(matches)))
	return &accepted, execs, nil
}

// applyToBook mirrors the committed pass onto the in-memory book. The
// working slices hold each touched order's final remainder.
func (e *Engine) applyToBook(newOrder model.Order, bids, asks []model.Order, matches []match) {
	involved := make(map[uint64]struct{}, len(matches)*2)
	for _, m := range matches {
		involved[m.BuyOrderID] = struct{}{}
		involved[m.SellOrderID] = struct{}{}
	}

	apply := func(list []model.Order) {
		for _, o := range list {
			_, touched := involved[o.ID]
			switch {
			case o.ID == newOrder.ID:
				if o.Quantity > 0 {
					e.book.Add(o)
				}
			case touched && o.Quantity == 0:
				e.book.Remove(o.Side, o.Price, o.ID)
			case touched:
				e.book.SetQuantity(o.Side, o.Price, o.ID, o.Quantity)
			}
		}
	}
	apply(bids)
	apply(asks)
}
