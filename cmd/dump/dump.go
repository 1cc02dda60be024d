// Package dump implements the dump command, which checks a recorded event
// stream frame by frame.
package dump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rocdaq/readout/internal/errors"
	"github.com/rocdaq/readout/internal/readout"
	"github.com/rocdaq/readout/internal/sink"
	"github.com/rocdaq/readout/internal/trigger"
)

// ChannelSummary holds what was found for one channel id.
type ChannelSummary struct {
	Channel   uint8
	Frames    uint64
	Words     uint64
	FirstSeq  uint64
	LastSeq   uint64
	Gaps      uint64 // sequence numbers skipped
	Reordered uint64 // frames whose sequence did not increase
	Sync      uint64
	Overflow  uint64
	Bad       uint64
	Malformed uint64 // ordinary events that fail the digitizer format check
}

// Summarize reads frames until EOF. A truncated final frame is reported as
// an error together with the summaries gathered so far.
func Summarize(r io.Reader, checkFormat bool, each func(sink.Frame)) ([]ChannelSummary, error) {
	byChannel := make(map[uint8]*ChannelSummary)
	br := bufio.NewReader(r)

	var err error
	for {
		var fr sink.Frame
		fr, err = sink.ReadFrame(br)
		if err != nil {
			break
		}
		if each != nil {
			each(fr)
		}

		s, ok := byChannel[fr.Channel]
		switch {
		case !ok:
			s = &ChannelSummary{Channel: fr.Channel, FirstSeq: fr.Seq, LastSeq: fr.Seq}
			byChannel[fr.Channel] = s
		case fr.Seq <= s.LastSeq:
			s.Reordered++
		default:
			s.Gaps += fr.Seq - s.LastSeq - 1
			s.LastSeq = fr.Seq
		}
		s.Frames++
		s.Words += uint64(sink.HeaderWords + len(fr.Payload))

		if fr.Flags&readout.FlagSync != 0 {
			s.Sync++
		}
		if fr.Flags&readout.FlagOverflow != 0 {
			s.Overflow++
		}
		if fr.Flags&readout.FlagBad != 0 {
			s.Bad++
		}
		if checkFormat && fr.Flags&(readout.FlagBad|readout.FlagOverflow) == 0 && !trigger.ValidDigitizerEvent(fr.Payload) {
			s.Malformed++
		}
	}

	out := make([]ChannelSummary, 0, len(byChannel))
	for _, s := range byChannel {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b ChannelSummary) int { return int(a.Channel) - int(b.Channel) })

	if errors.Is(err, io.EOF) {
		return out, nil
	}
	return out, err
}

// Command creates the dump command.
func Command() *cobra.Command {
	var (
		frames      bool
		checkFormat bool
	)

	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Summarize a recorded event stream",
		Long:  "Read frames written by the sink and report per-channel counts, sequence gaps and flagged events.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			var each func(sink.Frame)
			if frames {
				fmt.Fprintln(w, "CHANNEL\tSEQ\tTYPE\tFLAGS\tWORDS")
				each = func(fr sink.Frame) {
					fmt.Fprintf(w, "%d\t%d\t%#x\t%#x\t%d\n", fr.Channel, fr.Seq, fr.Type, fr.Flags, len(fr.Payload))
				}
			}

			summaries, err := Summarize(f, checkFormat, each)
			if frames {
				fmt.Fprintln(w)
			}
			fmt.Fprintln(w, "CHANNEL\tFRAMES\tWORDS\tFIRST\tLAST\tGAPS\tREORDERED\tSYNC\tOVERFLOW\tBAD\tMALFORMED")
			for _, s := range summaries {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
					s.Channel, s.Frames, s.Words, s.FirstSeq, s.LastSeq, s.Gaps, s.Reordered,
					s.Sync, s.Overflow, s.Bad, s.Malformed)
			}
			if ferr := w.Flush(); ferr != nil && err == nil {
				err = ferr
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&frames, "frames", false, "Print every frame header")
	cmd.Flags().BoolVar(&checkFormat, "check-format", true, "Check ordinary events against the simulated digitizer format")
	return cmd
}
