package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dronelink/dronelink/command"
	"github.com/dronelink/dronelink/packet"
	"github.com/dronelink/dronelink/telemetry"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

type decodeOptions struct {
	hex       bool
	json      bool
	malformed string
	limit     int
}

func decodeCmd() *cobra.Command {
	var opt decodeOptions
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode captured link stream",
		Long: `Decode reads a captured byte stream from file or stdin and prints
every packet found. Use --hex for hex dump input, whitespace is ignored.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Trace(err)
				}
				defer f.Close()
				in = f
			}
			_, err := runDecode(in, cmd.OutOrStdout(), opt)
			return err
		},
	}
	cmd.Flags().BoolVarP(&opt.hex, "hex", "x", false, "input is hex text")
	cmd.Flags().BoolVarP(&opt.json, "json", "j", false, "print packets as JSON lines")
	cmd.Flags().StringVar(&opt.malformed, "malformed", "resync", "resync or drop")
	cmd.Flags().IntVar(&opt.limit, "read-limit", 0, "max packet size, 0 means default")
	return cmd
}

type decodeSummary struct {
	Bytes     uint64
	Packets   int
	Malformed int // resync skips
	Trailing  int // incomplete packet at end of input
}

func (s decodeSummary) String() string {
	return fmt.Sprintf("input=%s packets=%d malformed=%d trailing=%d",
		humanize.Bytes(s.Bytes), s.Packets, s.Malformed, s.Trailing)
}

// packetView is JSON output shape, one payload set.
type packetView struct {
	Type      string                   `json:"type"`
	Core      *telemetry.Core          `json:"core,omitempty"`
	Extended  *telemetry.Extended      `json:"extended,omitempty"`
	Text      *packet.Text             `json:"text,omitempty"`
	Ack       *packet.Ack              `json:"ack,omitempty"`
	Stick     *command.VirtualStick    `json:"stick,omitempty"`
	Mission   *command.WaypointMission `json:"mission,omitempty"`
	Camera    *command.CameraControl   `json:"camera,omitempty"`
	Emergency *command.Emergency       `json:"emergency,omitempty"`
}

func runDecode(r io.Reader, w io.Writer, opt decodeOptions) (decodeSummary, error) {
	var sum decodeSummary
	policy, err := packet.ParsePolicy(opt.malformed)
	if err != nil {
		return sum, err
	}
	if opt.hex {
		b, err := io.ReadAll(r)
		if err != nil {
			return sum, errors.Annotate(err, "read")
		}
		b, err = hex.DecodeString(strings.Join(strings.Fields(string(b)), ""))
		if err != nil {
			return sum, errors.Annotate(err, "hex")
		}
		r = bytes.NewReader(b)
	}

	d := packet.NewDecoder(opt.limit, policy)
	enc := json.NewEncoder(w)
	buf := make([]byte, 4096)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			sum.Bytes += uint64(n)
			_, _ = d.Write(buf[:n])
			for {
				p, err := d.Next()
				if err == packet.ErrNeedMoreData {
					break
				}
				if err != nil {
					if d.Failed() {
						fmt.Fprintln(w, sum.String())
						return sum, errors.Annotatef(err, "offset=%d", sum.Bytes-uint64(d.Buffered()))
					}
					sum.Malformed++
					continue
				}
				sum.Packets++
				if opt.json {
					err = enc.Encode(packetView{
						Type: p.Type.String(), Core: p.Core, Extended: p.Extended, Text: p.Text, Ack: p.Ack,
						Stick: p.Stick, Mission: p.Mission, Camera: p.Camera, Emergency: p.Emergency,
					})
				} else {
					_, err = fmt.Fprintln(w, p.String())
				}
				if err != nil {
					return sum, errors.Annotate(err, "write")
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return sum, errors.Annotate(rerr, "read")
		}
	}
	sum.Trailing = d.Buffered()
	if !opt.json {
		fmt.Fprintln(w, sum.String())
	}
	return sum, nil
}
