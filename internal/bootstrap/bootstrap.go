// Package bootstrap seeds the local replica from the remote authority.
//
// The loader pulls reference tables in dependency order (parents before
// children) so that foreign keys can be translated to local ids as rows
// arrive. Rows whose parent is missing remotely are skipped and logged
// rather than invented; they reappear on a later run once the parent
// exists.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kasa-pos/kasa/internal/idmap"
	"github.com/kasa-pos/kasa/internal/remote"
	"github.com/kasa-pos/kasa/internal/schema"
	"github.com/kasa-pos/kasa/internal/store"
)

// lastSyncedKey prefixes the per-user settings key that gates repeat runs.
const lastSyncedKey = "last_synced_at:"

// Config holds bootstrap configuration.
type Config struct {
	// User scopes the refresh gate; switching users forces a fresh pull.
	User string

	// MinRefreshInterval is how long a completed bootstrap stays fresh.
	// Runs inside the window are no-ops unless forced.
	MinRefreshInterval time.Duration

	// SaleWindow caps how many recent sales and tickets are pulled.
	// Reference tables are always pulled in full.
	SaleWindow int

	// Logger receives progress output. If nil, logs to stderr.
	Logger *log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(user string) Config {
	return Config{
		User:               user,
		MinRefreshInterval: time.Hour,
		SaleWindow:         500,
	}
}

// Loader pulls the remote snapshot into the replica.
type Loader struct {
	db     *store.DB
	auth   remote.Authority
	cfg    Config
	logger *log.Logger
}

// New creates a Loader.
func New(db *store.DB, auth remote.Authority, cfg Config) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[bootstrap] ", log.LstdFlags)
	}
	return &Loader{db: db, auth: auth, cfg: cfg, logger: logger}
}

// Run performs a bootstrap pull. When force is false and the last
// completed run for this user is inside MinRefreshInterval, Run returns
// immediately without touching the network.
func (l *Loader) Run(ctx context.Context, force bool) error {
	if !force {
		fresh, err := l.isFresh(ctx)
		if err != nil {
			return err
		}
		if fresh {
			l.logger.Printf("Replica is fresh for %s, skipping bootstrap", l.cfg.User)
			return nil
		}
	}

	start := time.Now()
	l.logger.Printf("Starting bootstrap for %s", l.cfg.User)

	if err := l.pullCategories(ctx); err != nil {
		return err
	}
	if err := l.pullProducts(ctx); err != nil {
		return err
	}
	if err := l.pullCustomers(ctx); err != nil {
		return err
	}
	if err := l.pullProviders(ctx); err != nil {
		return err
	}
	if err := l.pullServices(ctx); err != nil {
		return err
	}
	if err := l.pullSales(ctx); err != nil {
		return err
	}
	if err := l.pullTickets(ctx); err != nil {
		return err
	}

	if err := l.db.SetSetting(ctx, lastSyncedKey+l.cfg.User,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	l.logger.Printf("Bootstrap completed in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

// isFresh reports whether the last completed run is inside the refresh
// window. A missing or unparseable timestamp counts as stale.
func (l *Loader) isFresh(ctx context.Context) (bool, error) {
	raw, err := l.db.GetSetting(ctx, lastSyncedKey+l.cfg.User)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		l.logger.Printf("Warning: bad last-synced timestamp %q, treating as stale", raw)
		return false, nil
	}
	return time.Since(last) < l.cfg.MinRefreshInterval, nil
}

func (l *Loader) pullCategories(ctx context.Context) error {
	rows, err := l.auth.ReadTable(ctx, schema.TableCategories, remote.Query{})
	if err != nil {
		return fmt.Errorf("failed to read categories: %w", err)
	}

	count := 0
	for _, row := range rows {
		c, err := schema.CategoryFromRow(row)
		if err != nil {
			l.logger.Printf("Warning: skipping malformed category row: %v", err)
			continue
		}
		if _, err := l.db.UpsertCategoryByRemote(ctx, c); err != nil {
			return err
		}
		count++
	}
	l.logger.Printf("Pulled %d categories", count)
	return nil
}

func (l *Loader) pullProducts(ctx context.Context) error {
	rows, err := l.auth.ReadTable(ctx, schema.TableProducts, remote.Query{})
	if err != nil {
		return fmt.Errorf("failed to read products: %w", err)
	}

	categories, err := idmap.Build(ctx, l.db, schema.TableCategories)
	if err != nil {
		return err
	}

	count := 0
	for _, row := range rows {
		p, remoteCategoryID, err := schema.ProductFromRow(row)
		if err != nil {
			l.logger.Printf("Warning: skipping malformed product row: %v", err)
			continue
		}
		localCategoryID, ok := categories.Local(remoteCategoryID)
		if !ok {
			l.logger.Printf("Warning: skipping product %d: unknown category %d",
				*p.RemoteID, remoteCategoryID)
			continue
		}
		p.CategoryID = localCategoryID
		if _, err := l.db.UpsertProductByRemote(ctx, p); err != nil {
			return err
		}
		count++
	}
	l.logger.Printf("Pulled %d products", count)
	return nil
}

func (l *Loader) pullCustomers(ctx context.Context) error {
	rows, err := l.auth.ReadTable(ctx, schema.TableCustomers, remote.Query{})
	if err != nil {
		return fmt.Errorf("failed to read customers: %w", err)
	}

	count := 0
	for _, row := range rows {
		c, err := schema.CustomerFromRow(row)
		if err != nil {
			l.logger.Printf("Warning: skipping malformed customer row: %v", err)
			continue
		}
		if _, err := l.db.UpsertCustomerByRemote(ctx, c); err != nil {
			return err
		}
		count++
	}
	l.logger.Printf("Pulled %d customers", count)
	return nil
}

func (l *Loader) pullProviders(ctx context.Context) error {
	rows, err := l.auth.ReadTable(ctx, schema.TableProviders, remote.Query{})
	if err != nil {
		return fmt.Errorf("failed to read providers: %w", err)
	}

	count := 0
	for _, row := range rows {
		p, err := schema.ProviderFromRow(row)
		if err != nil {
			l.logger.Printf("Warning: skipping malformed provider row: %v", err)
			continue
		}
		if _, err := l.db.UpsertProviderByRemote(ctx, p); err != nil {
			return err
		}
		count++
	}
	l.logger.Printf("Pulled %d providers", count)
	return nil
}

func (l *Loader) pullServices(ctx context.Context) error {
	rows, err := l.auth.ReadTable(ctx, schema.TableServices, remote.Query{})
	if err != nil {
		return fmt.Errorf("failed to read services: %w", err)
	}

	providers, err := idmap.Build(ctx, l.db, schema.TableProviders)
	if err != nil {
		return err
	}

	count := 0
	for _, row := range rows {
		s, remoteProviderID, err := schema.ServiceFromRow(row)
		if err != nil {
			l.logger.Printf("Warning: skipping malformed service row: %v", err)
			continue
		}
		localProviderID, ok := providers.Local(remoteProviderID)
		if !ok {
			l.logger.Printf("Warning: skipping service %d: unknown provider %d",
				*s.RemoteID, remoteProviderID)
			continue
		}
		s.ProviderID = localProviderID
		if _, err := l.db.UpsertServiceByRemote(ctx, s); err != nil {
			return err
		}
		count++
	}
	l.logger.Printf("Pulled %d services", count)
	return nil
}

// pullSales fetches a bounded recent window of sales, newest first, with
// their nested items.
func (l *Loader) pullSales(ctx context.Context) error {
	rows, err := l.auth.ReadTable(ctx, schema.TableSales, remote.Query{
		OrderBy: "recorded_at",
		Desc:    true,
		Limit:   l.cfg.SaleWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to read sales: %w", err)
	}

	products, err := idmap.Build(ctx, l.db, schema.TableProducts)
	if err != nil {
		return err
	}
	customers, err := idmap.Build(ctx, l.db, schema.TableCustomers)
	if err != nil {
		return err
	}

	count := 0
rowLoop:
	for _, row := range rows {
		sale, remoteCustomerID, err := schema.SaleFromRow(row)
		if err != nil {
			l.logger.Printf("Warning: skipping malformed sale row: %v", err)
			continue
		}
		if remoteCustomerID != nil {
			localCustomerID, ok := customers.Local(*remoteCustomerID)
			if !ok {
				l.logger.Printf("Warning: skipping sale %d: unknown customer %d",
					*sale.RemoteID, *remoteCustomerID)
				continue
			}
			sale.CustomerID = &localCustomerID
		}

		itemRows, err := schema.SaleItemsFromRow(row)
		if err != nil {
			l.logger.Printf("Warning: skipping sale %d: %v", *sale.RemoteID, err)
			continue
		}
		items := make([]*schema.SaleItem, 0, len(itemRows))
		for _, ir := range itemRows {
			localProductID, ok := products.Local(ir.RemoteProductID)
			if !ok {
				l.logger.Printf("Warning: skipping sale %d: unknown product %d",
					*sale.RemoteID, ir.RemoteProductID)
				continue rowLoop
			}
			items = append(items, &schema.SaleItem{
				RemoteID:  schema.RemoteRef(ir.RemoteID),
				ProductID: localProductID,
				Qty:       ir.Qty,
				UnitPrice: ir.UnitPrice,
				Subtotal:  ir.Subtotal,
			})
		}

		if _, err := l.db.UpsertSaleByRemote(ctx, sale, items); err != nil {
			return err
		}
		count++
	}
	l.logger.Printf("Pulled %d sales", count)
	return nil
}

func (l *Loader) pullTickets(ctx context.Context) error {
	rows, err := l.auth.ReadTable(ctx, schema.TableTickets, remote.Query{
		OrderBy: "recorded_at",
		Desc:    true,
		Limit:   l.cfg.SaleWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to read tickets: %w", err)
	}

	services, err := idmap.Build(ctx, l.db, schema.TableServices)
	if err != nil {
		return err
	}
	customers, err := idmap.Build(ctx, l.db, schema.TableCustomers)
	if err != nil {
		return err
	}

	count := 0
	for _, row := range rows {
		t, remoteServiceID, remoteCustomerID, err := schema.TicketFromRow(row)
		if err != nil {
			l.logger.Printf("Warning: skipping malformed ticket row: %v", err)
			continue
		}
		localServiceID, ok := services.Local(remoteServiceID)
		if !ok {
			l.logger.Printf("Warning: skipping ticket %d: unknown service %d",
				*t.RemoteID, remoteServiceID)
			continue
		}
		t.ServiceID = localServiceID
		if remoteCustomerID != nil {
			localCustomerID, ok := customers.Local(*remoteCustomerID)
			if !ok {
				l.logger.Printf("Warning: skipping ticket %d: unknown customer %d",
					*t.RemoteID, *remoteCustomerID)
				continue
			}
			t.CustomerID = &localCustomerID
		}
		if _, err := l.db.UpsertTicketByRemote(ctx, t); err != nil {
			return err
		}
		count++
	}
	l.logger.Printf("Pulled %d tickets", count)
	return nil
}
