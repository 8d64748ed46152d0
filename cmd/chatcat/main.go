// Command chatcat prints the chat log records of a time window, one
// "<rfc3339> <payload>" line per record.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/streamwatch/chat"
)

func newRootCmd() *cobra.Command {
	var (
		start, end, streamStart string
		countOnly               bool
	)
	cmd := &cobra.Command{
		Use:   "chatcat <chat-log.txt.zst>",
		Short: "Print chat log records between two timestamps",
		Long: `chatcat reads a zstd-compressed chat log and prints every record whose
timestamp falls within [--start, --end]. Timestamps are RFC 3339.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseFlagTime("start", start, time.Time{})
			if err != nil {
				return err
			}
			to, err := parseFlagTime("end", end, time.Unix(1<<40, 0))
			if err != nil {
				return err
			}
			if from.After(to) {
				return fmt.Errorf("--start %s is after --end %s", start, end)
			}
			origin, err := parseFlagTime("stream-start", streamStart, from)
			if err != nil {
				return err
			}

			cur, err := chat.NewCursor(args[0], origin)
			if err != nil {
				return err
			}
			defer cur.Close()

			items, err := cur.GetBetween(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if countOnly {
				_, err := fmt.Fprintln(out, len(items))
				return err
			}
			for _, it := range items {
				if _, err := fmt.Fprintf(out, "%s %s\n", it.TS.UTC().Format(time.RFC3339Nano), it.Content); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC 3339, default: beginning of log)")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC 3339, default: end of log)")
	cmd.Flags().StringVar(&streamStart, "stream-start", "", "stream start time (RFC 3339, default: --start)")
	cmd.Flags().BoolVarP(&countOnly, "count", "c", false, "print only the number of records")
	return cmd
}

func parseFlagTime(name, v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return t, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
