package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
)

func newGCCommand() *cobra.Command {
	var horizon string
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove expired working-scope memories",
		Long: `Remove working-scope memories older than the GC horizon, including their
vector index entries and graph references. The horizon defaults to
WORKING_MEMORY_TTL.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			h := p.cfg.Memory.WorkingTTL
			if horizon != "" {
				if h, err = time.ParseDuration(horizon); err != nil || h <= 0 {
					return kerrors.NewValidationError("--horizon must be a positive duration", err)
				}
			}

			removed, err := p.memories.GC(ctx, h)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d working memories older than %s\n", removed, h)
			return nil
		},
	}
	cmd.Flags().StringVar(&horizon, "horizon", "", "GC horizon as a Go duration (default: WORKING_MEMORY_TTL)")
	return cmd
}
