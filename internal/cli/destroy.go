package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// DestroyOptions holds flags for the destroy command.
type DestroyOptions struct {
	OrganisationID string
	Confirm        bool
}

// NewDestroyCommand creates the destroy command.
func NewDestroyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DestroyOptions{}
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every record an organisation owns in the write table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Confirm {
				return fmt.Errorf("refusing to destroy %q without --yes", opts.OrganisationID)
			}
			return runDestroy(cmd.Context(), rootOpts, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.OrganisationID, "org", "", "organisation to destroy")
	cmd.Flags().BoolVar(&opts.Confirm, "yes", false, "confirm the deletion")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func runDestroy(ctx context.Context, rootOpts *RootOptions, opts *DestroyOptions, stdout io.Writer) error {
	rt, err := newRuntime(rootOpts, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.manager.New(ctx, opts.OrganisationID).DestroyOrganisation(ctx); err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}
	fmt.Fprintf(stdout, "destroyed %s\n", opts.OrganisationID)
	return nil
}
