// Package realtime applies push notifications from the remote authority
// to the local replica while the app is online.
package realtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/kasa-pos/kasa/internal/idmap"
	"github.com/kasa-pos/kasa/internal/remote"
	"github.com/kasa-pos/kasa/internal/schema"
	"github.com/kasa-pos/kasa/internal/store"
)

// Applier maps one remote change onto the replica. Inserts and updates
// both resolve to an upsert keyed on the remote id, so replayed or
// reordered notifications converge to the same local state.
type Applier struct {
	db     *store.DB
	logger *log.Logger
}

// NewApplier creates an Applier. If logger is nil, logs to stderr.
func NewApplier(db *store.DB, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Applier{db: db, logger: logger}
}

// Apply processes one change. Changes that cannot be applied cleanly
// (unknown table, unresolvable parent, malformed record) are skipped with
// a warning; the next bootstrap reconciles them. Only replica storage
// failures are returned.
func (a *Applier) Apply(ctx context.Context, ch remote.Change) error {
	if ch.Event == remote.EventDelete {
		return a.applyDelete(ctx, ch)
	}

	switch ch.Table {
	case schema.TableCategories:
		c, err := schema.CategoryFromRow(ch.Record)
		if err != nil {
			a.skip(ch, err)
			return nil
		}
		_, err = a.db.UpsertCategoryByRemote(ctx, c)
		return err

	case schema.TableProducts:
		p, remoteCategoryID, err := schema.ProductFromRow(ch.Record)
		if err != nil {
			a.skip(ch, err)
			return nil
		}
		localID, ok, err := a.lookupLocal(ctx, schema.TableCategories, remoteCategoryID)
		if err != nil {
			return err
		}
		if !ok {
			a.skip(ch, fmt.Errorf("unknown category %d", remoteCategoryID))
			return nil
		}
		p.CategoryID = localID
		_, err = a.db.UpsertProductByRemote(ctx, p)
		return err

	case schema.TableCustomers:
		c, err := schema.CustomerFromRow(ch.Record)
		if err != nil {
			a.skip(ch, err)
			return nil
		}
		_, err = a.db.UpsertCustomerByRemote(ctx, c)
		return err

	case schema.TableProviders:
		p, err := schema.ProviderFromRow(ch.Record)
		if err != nil {
			a.skip(ch, err)
			return nil
		}
		_, err = a.db.UpsertProviderByRemote(ctx, p)
		return err

	case schema.TableServices:
		s, remoteProviderID, err := schema.ServiceFromRow(ch.Record)
		if err != nil {
			a.skip(ch, err)
			return nil
		}
		localID, ok, err := a.lookupLocal(ctx, schema.TableProviders, remoteProviderID)
		if err != nil {
			return err
		}
		if !ok {
			a.skip(ch, fmt.Errorf("unknown provider %d", remoteProviderID))
			return nil
		}
		s.ProviderID = localID
		_, err = a.db.UpsertServiceByRemote(ctx, s)
		return err

	case schema.TableSales:
		return a.applySale(ctx, ch)

	case schema.TableTickets:
		return a.applyTicket(ctx, ch)

	default:
		a.logger.Printf("Warning: ignoring change for unknown table %q", ch.Table)
		return nil
	}
}

func (a *Applier) applyDelete(ctx context.Context, ch remote.Change) error {
	remoteID, err := schema.RowInt64(ch.Record, "id")
	if err != nil {
		a.skip(ch, err)
		return nil
	}
	// Deleting a row this replica never had is a no-op.
	return a.db.DeleteByRemoteID(ctx, ch.Table, remoteID)
}

func (a *Applier) applySale(ctx context.Context, ch remote.Change) error {
	sale, remoteCustomerID, err := schema.SaleFromRow(ch.Record)
	if err != nil {
		a.skip(ch, err)
		return nil
	}
	if remoteCustomerID != nil {
		localID, ok, err := a.lookupLocal(ctx, schema.TableCustomers, *remoteCustomerID)
		if err != nil {
			return err
		}
		if !ok {
			a.skip(ch, fmt.Errorf("unknown customer %d", *remoteCustomerID))
			return nil
		}
		sale.CustomerID = &localID
	}

	itemRows, err := schema.SaleItemsFromRow(ch.Record)
	if err != nil {
		a.skip(ch, err)
		return nil
	}
	products, err := idmap.Build(ctx, a.db, schema.TableProducts)
	if err != nil {
		return err
	}
	items := make([]*schema.SaleItem, 0, len(itemRows))
	for _, ir := range itemRows {
		localProductID, ok := products.Local(ir.RemoteProductID)
		if !ok {
			a.skip(ch, fmt.Errorf("unknown product %d", ir.RemoteProductID))
			return nil
		}
		items = append(items, &schema.SaleItem{
			RemoteID:  schema.RemoteRef(ir.RemoteID),
			ProductID: localProductID,
			Qty:       ir.Qty,
			UnitPrice: ir.UnitPrice,
			Subtotal:  ir.Subtotal,
		})
	}

	_, err = a.db.UpsertSaleByRemote(ctx, sale, items)
	return err
}

func (a *Applier) applyTicket(ctx context.Context, ch remote.Change) error {
	t, remoteServiceID, remoteCustomerID, err := schema.TicketFromRow(ch.Record)
	if err != nil {
		a.skip(ch, err)
		return nil
	}
	localServiceID, ok, err := a.lookupLocal(ctx, schema.TableServices, remoteServiceID)
	if err != nil {
		return err
	}
	if !ok {
		a.skip(ch, fmt.Errorf("unknown service %d", remoteServiceID))
		return nil
	}
	t.ServiceID = localServiceID
	if remoteCustomerID != nil {
		localCustomerID, ok, err := a.lookupLocal(ctx, schema.TableCustomers, *remoteCustomerID)
		if err != nil {
			return err
		}
		if !ok {
			a.skip(ch, fmt.Errorf("unknown customer %d", *remoteCustomerID))
			return nil
		}
		t.CustomerID = &localCustomerID
	}
	_, err = a.db.UpsertTicketByRemote(ctx, t)
	return err
}

// lookupLocal resolves one remote id to a local id. Change volume is a
// trickle, so rebuilding the per-table map per change keeps the applier
// free of invalidation logic.
func (a *Applier) lookupLocal(ctx context.Context, table string, remoteID int64) (int64, bool, error) {
	m, err := idmap.Build(ctx, a.db, table)
	if err != nil {
		return 0, false, err
	}
	localID, ok := m.Local(remoteID)
	return localID, ok, nil
}

func (a *Applier) skip(ch remote.Change, reason error) {
	a.logger.Printf("Warning: skipping %s %s: %v", ch.Table, ch.Event, reason)
}

// Listener maintains one subscription per synchronized table, applying
// changes as they arrive and re-subscribing with a delay when a
// connection drops.
type Listener struct {
	auth    remote.Authority
	applier *Applier
	logger  *log.Logger

	// RetryDelay is the pause before re-subscribing after a dropped
	// connection.
	RetryDelay time.Duration

	wg sync.WaitGroup
}

// NewListener creates a Listener. If logger is nil, logs to stderr.
func NewListener(auth remote.Authority, applier *Applier, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Listener{
		auth:       auth,
		applier:    applier,
		logger:     logger,
		RetryDelay: 10 * time.Second,
	}
}

// Start launches one subscription loop per synchronized table. The loops
// stop when ctx is cancelled; Wait blocks until they have all exited.
func (l *Listener) Start(ctx context.Context) {
	for _, table := range schema.SyncedTables {
		l.wg.Add(1)
		go func(table string) {
			defer l.wg.Done()
			l.watch(ctx, table)
		}(table)
	}
}

// Wait blocks until all subscription loops have exited.
func (l *Listener) Wait() {
	l.wg.Wait()
}

func (l *Listener) watch(ctx context.Context, table string) {
	for {
		if ctx.Err() != nil {
			return
		}

		ch, err := l.auth.Subscribe(ctx, table)
		if err != nil {
			l.logger.Printf("Warning: subscribe to %s failed: %v (retrying in %v)",
				table, err, l.RetryDelay)
		} else {
			for change := range ch {
				if err := l.applier.Apply(ctx, change); err != nil {
					l.logger.Printf("Error: applying %s change: %v", table, err)
				}
			}
			if ctx.Err() != nil {
				return
			}
			l.logger.Printf("Subscription to %s closed, reconnecting in %v",
				table, l.RetryDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.RetryDelay):
		}
	}
}
