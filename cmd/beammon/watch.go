package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/e3-lab/beammon/internal/snapshot"
)

var (
	watchAddr  string
	watchCount int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream occupancy snapshots from a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := snapshot.NewClient(watchAddr)
		if err != nil {
			return err
		}
		defer client.Close()

		sub, err := client.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", watchAddr, err)
		}
		out := cmd.OutOrStdout()
		for n := 0; watchCount <= 0 || n < watchCount; n++ {
			f, err := sub.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled || ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Fprintln(out, formatFrame(f))
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "localhost:5002", "Snapshot service address")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Stop after this many frames (0 streams until interrupted)")
}

func formatFrame(f *snapshot.Frame) string {
	spot := "-"
	if f.HasSpot {
		spot = fmt.Sprintf("[%.0f %.0f]", f.MedianColumn, f.MedianRow)
	}
	return fmt.Sprintf("#%d t=%.3f rate=%.0fHz hits=%d spot=%s tot=%.2f",
		f.Seq, f.WindowEnd, f.RateHz, f.HitCount, spot, f.MeanToT)
}
