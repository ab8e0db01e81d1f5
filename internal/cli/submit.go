package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/buildtall-systems/orderflow/internal/orders"
)

var submitFile string

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit orders from a YAML file",
	Long: `Submit one or more orders described in a YAML file. Separate orders with "---".

  customer_email: ada@example.com
  customer_name: Ada Lovelace
  items:
    - product_name: Widget
      quantity: 2
      unit_price: "12.50"`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "order file (- for stdin)")
	_ = submitCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(submitCmd)
}

type orderFile struct {
	CustomerEmail string     `yaml:"customer_email"`
	CustomerName  string     `yaml:"customer_name"`
	Items         []itemFile `yaml:"items"`
}

type itemFile struct {
	ProductName string `yaml:"product_name"`
	Quantity    int    `yaml:"quantity"`
	UnitPrice   string `yaml:"unit_price"`
}

// readOrderFile decodes every YAML document in r into an order request.
func readOrderFile(r io.Reader) ([]orders.CreateOrderRequest, error) {
	dec := yaml.NewDecoder(r)

	var reqs []orders.CreateOrderRequest
	for {
		var f orderFile
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing order %d: %w", len(reqs)+1, err)
		}

		req := orders.CreateOrderRequest{
			CustomerEmail: f.CustomerEmail,
			CustomerName:  f.CustomerName,
		}
		for i, it := range f.Items {
			price, err := decimal.NewFromString(it.UnitPrice)
			if err != nil {
				return nil, fmt.Errorf("order %d item %d: unit_price %q: %w", len(reqs)+1, i+1, it.UnitPrice, err)
			}
			req.Items = append(req.Items, orders.ItemRequest{
				ProductName: it.ProductName,
				Quantity:    it.Quantity,
				UnitPrice:   price,
			})
		}
		reqs = append(reqs, req)
	}

	if len(reqs) == 0 {
		return nil, errors.New("no orders in file")
	}
	return reqs, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var in io.Reader = os.Stdin
	if submitFile != "-" {
		f, err := os.Open(submitFile)
		if err != nil {
			return fmt.Errorf("opening order file: %w", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	reqs, err := readOrderFile(in)
	if err != nil {
		return err
	}
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			return fmt.Errorf("order %d: %w", i+1, err)
		}
	}

	ctx := cmd.Context()
	a, err := setup(ctx, needs{queue: true, notify: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Queue.Driver == "memory" {
		return errors.New("submit needs a shared queue: set queue.driver to redis or rabbitmq")
	}

	intake := a.intake()
	out := cmd.OutOrStdout()
	for _, req := range reqs {
		order, _, err := intake.Submit(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s %s\n", order.ID, order.Status, order.TotalAmount.StringFixed(2))
	}
	return nil
}
