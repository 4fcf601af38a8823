package main

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kasa-pos/kasa/internal/queue"
	"github.com/kasa-pos/kasa/internal/schema"
	"github.com/kasa-pos/kasa/internal/ui"
)

var saleCmd = &cobra.Command{
	Use:   "sale",
	Short: "Record sales against the local replica",
}

var saleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a sale locally and queue it for sync",
	Long: `Record a sale in the local replica.

The sale, its line items, the stock deduction, and the sync queue entry
commit in a single transaction, so the sale is never visible without
being queued. The backend receives it on the next drain.

Items are given as --item PRODUCT_ID:QTY, repeatable:

  kasa sale add --item 3:2 --item 7:1 --paid 4500`,
	RunE: func(cmd *cobra.Command, args []string) error {
		itemSpecs, _ := cmd.Flags().GetStringArray("item")
		paid, _ := cmd.Flags().GetInt64("paid")
		customerID, _ := cmd.Flags().GetInt64("customer")
		note, _ := cmd.Flags().GetString("note")

		if len(itemSpecs) == 0 {
			return fmt.Errorf("at least one --item PRODUCT_ID:QTY is required")
		}

		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()

		var items []*schema.SaleItem
		var total int64
		for _, spec := range itemSpecs {
			productID, qty, err := parseItemSpec(spec)
			if err != nil {
				return err
			}
			product, err := db.GetProductByID(ctx, productID)
			if err != nil {
				return fmt.Errorf("product %d: %w", productID, err)
			}
			if product.Stock < qty {
				fmt.Printf("%s Product %q has %d in stock, selling %d\n",
					ui.RenderWarn("⚠"), product.Name, product.Stock, qty)
			}
			subtotal := product.Price * qty
			items = append(items, &schema.SaleItem{
				ProductID: productID,
				Qty:       qty,
				UnitPrice: product.Price,
				Subtotal:  subtotal,
			})
			total += subtotal
		}

		sale := &schema.Sale{
			Total:      total,
			Paid:       paid,
			Note:       note,
			RecordedAt: time.Now().UTC(),
		}
		if customerID != 0 {
			if _, err := db.GetCustomerByID(ctx, customerID); err != nil {
				return fmt.Errorf("customer %d: %w", customerID, err)
			}
			sale.CustomerID = &customerID
		}

		q := queue.New(db.RawDB())
		saleID, err := db.CreateSale(ctx, sale, items, func(tx *sql.Tx, saleID int64) error {
			return q.EnqueueTx(ctx, tx, queue.NewEntry(schema.TableSales, queue.ActionCreate, saleID))
		})
		if err != nil {
			return fmt.Errorf("failed to record sale: %w", err)
		}

		fmt.Printf("%s Sale #%d recorded (total %d) and queued for sync\n",
			ui.RenderPass("✓"), saleID, total)
		return nil
	},
}

func parseItemSpec(spec string) (productID, qty int64, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad item %q (want PRODUCT_ID:QTY)", spec)
	}
	productID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad product id in %q", spec)
	}
	qty, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || qty <= 0 {
		return 0, 0, fmt.Errorf("bad quantity in %q", spec)
	}
	return productID, qty, nil
}

func init() {
	saleAddCmd.Flags().StringArray("item", nil, "line item as PRODUCT_ID:QTY (repeatable)")
	saleAddCmd.Flags().Int64("paid", 0, "amount paid, in minor currency units")
	saleAddCmd.Flags().Int64("customer", 0, "local customer id (0 = walk-in)")
	saleAddCmd.Flags().String("note", "", "free-form note")
	saleCmd.AddCommand(saleAddCmd)
	rootCmd.AddCommand(saleCmd)
}
