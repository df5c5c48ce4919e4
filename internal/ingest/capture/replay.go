package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapngMagic = 0x0A0D0D0A

type Options struct {
	// Port keeps only datagrams sent to this UDP port. Zero keeps all.
	Port int
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
	// Speed scales realtime pacing; 2 replays twice as fast. Defaults to 1.
	Speed float64
}

type Result struct {
	Packets   int
	Datagrams int
	Skipped   int
}

// Datagram receives each UDP payload with its source address ("ip:port").
type Datagram func(payload []byte, src string)

type packetSource interface {
	LinkType() layers.LinkType
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Replay reads a pcap or pcapng file and hands every UDP payload to fn in
// capture order.
func Replay(ctx context.Context, path string, opts Options, fn Datagram) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	src, err := openSource(bufio.NewReader(f))
	if err != nil {
		return Result{}, fmt.Errorf("read capture %s: %w", path, err)
	}
	return replay(ctx, src, opts, fn)
}

func openSource(r *bufio.Reader) (packetSource, error) {
	head, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(head) == pcapngMagic {
		return pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(r)
}

func replay(ctx context.Context, src packetSource, opts Options, fn Datagram) (Result, error) {
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	var (
		res  Result
		prev time.Time
	)
	linkType := src.LinkType()
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		data, ci, err := src.ReadPacketData()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("read packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		pkt := gopacket.NewPacket(data, linkType, gopacket.Default)
		udpLayer, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (opts.Port != 0 && int(udpLayer.DstPort) != opts.Port) {
			res.Skipped++
			continue
		}

		if opts.Realtime && !prev.IsZero() {
			if wait := time.Duration(float64(ci.Timestamp.Sub(prev)) / opts.Speed); wait > 0 {
				select {
				case <-ctx.Done():
					return res, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		prev = ci.Timestamp

		fn(udpLayer.Payload, sourceAddr(pkt, udpLayer))
		res.Datagrams++
	}
}

func sourceAddr(pkt gopacket.Packet, udp *layers.UDP) string {
	port := strconv.Itoa(int(udp.SrcPort))
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		return net.JoinHostPort(ip.SrcIP.String(), port)
	case *layers.IPv6:
		return net.JoinHostPort(ip.SrcIP.String(), port)
	default:
		return net.JoinHostPort("unknown", port)
	}
}
