package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/devrev/pairdb/entitystore/internal/driver"
)

// ScanOptions holds flags for the scan command.
type ScanOptions struct {
	Parallelism int
	PageSize    int
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Count live records in the write table per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), rootOpts, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&opts.Parallelism, "parallelism", 4, "number of scan segments")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "records per page (0 uses the store default)")
	return cmd
}

func runScan(ctx context.Context, rootOpts *RootOptions, opts *ScanOptions, stdout io.Writer) error {
	if opts.Parallelism <= 0 {
		return fmt.Errorf("--parallelism must be positive")
	}
	rt, err := newRuntime(rootOpts, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer rt.Close()

	var mu sync.Mutex
	counts := make(map[string]int)
	query := driver.TableScanQuery{Parallelism: opts.Parallelism, PageSize: opts.PageSize}
	err = rt.driver.ScanTable(ctx, query, func(ctx context.Context, item *driver.ScanItem) error {
		mu.Lock()
		counts[item.Entity.Type]++
		mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(stdout, "%s\t%d\n", t, counts[t])
	}
	return nil
}
