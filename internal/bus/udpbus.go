// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package bus

import (
	"context"
	"encoding/xml"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/uecs-ccm/actuatord/internal/intent"
)

// DefaultMulticastAddr is the UECS-CCM control bus address named in
// spec.md §1: "XML over UDP 224.0.0.1:16520".
const DefaultMulticastAddr = "224.0.0.1:16520"

// ccmFrame is the XML wire frame. The full CCM schema (node discovery,
// room/controller identifiers) is an external collaborator per spec.md
// §1; this is the minimal subset the core needs to emit a command.
type ccmFrame struct {
	XMLName xml.Name `xml:"DATA"`
	Type    string   `xml:"type,attr"`
	Value   int      `xml:"value,attr"`
	Priority int     `xml:"priority,attr"`
}

// UDPBus is the default multicast Adapter implementation.
type UDPBus struct {
	conn *net.UDPConn
	addr *net.UDPAddr

	// sendMu serializes Send's RepeatCount-packet bursts across the
	// actuator goroutines that share this one socket, so two actuators'
	// retransmissions never interleave on the wire (spec.md §5 "an
	// internal send lock ensuring atomic multi-packet bursts").
	sendMu sync.Mutex
}

// DialMulticast opens a UDP multicast connection to addr (typically
// DefaultMulticastAddr) for sending commands.
func DialMulticast(addr string) (*UDPBus, error) {
	a, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving multicast address")
	}
	conn, err := net.DialUDP("udp4", nil, a)
	if err != nil {
		return nil, errors.Wrap(err, "dialing multicast bus")
	}
	return &UDPBus{conn: conn, addr: a}, nil
}

// Close releases the underlying socket.
func (u *UDPBus) Close() error {
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

// Send implements Adapter: it retransmits RepeatCount times at
// RepeatSpacing (spec.md §4.3, §6), treating UDP as fire-and-forget
// (spec.md §7 BUS_IO: "physical safety trumps retry perfection").
func (u *UDPBus) Send(ctx context.Context, id string, value Value, level intent.Level) error {
	frame := ccmFrame{
		Type:     PacketType(id, level),
		Value:    int(value),
		Priority: SendPriority(level),
	}
	b, err := xml.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "encoding CCM frame")
	}

	u.sendMu.Lock()
	defer u.sendMu.Unlock()

	var firstErr error
	for i := 0; i < RepeatCount; i++ {
		if _, err := u.conn.Write(b); err != nil && firstErr == nil {
			firstErr = err
		}
		if i < RepeatCount-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(RepeatSpacing):
			}
		}
	}
	if firstErr != nil {
		return errors.Wrap(firstErr, "sending CCM frame")
	}
	return nil
}

// SubscribeOpr opens (lazily) a multicast listener for operational
// status frames matching id. The CCM discovery/codec details beyond
// XML decoding of a DATA value are out of scope (spec.md §1); this
// reads raw frames and best-effort parses the subset it needs.
func (u *UDPBus) SubscribeOpr(ctx context.Context, id string) (<-chan OprReading, error) {
	group, err := net.ResolveUDPAddr("udp4", DefaultMulticastAddr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving opr multicast address")
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, errors.Wrap(err, "listening for opr frames")
	}
	out := make(chan OprReading, 8)
	go func() {
		defer conn.Close()
		defer close(out)
		buf := make([]byte, 2048)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			var frame ccmFrame
			if err := xml.Unmarshal(buf[:n], &frame); err != nil {
				continue
			}
			if frame.Type != id {
				continue
			}
			reading := OprReading{Value: Value(frame.Value), ObservedAt: time.Now()}
			select {
			case out <- reading:
			default:
			}
		}
	}()
	return out, nil
}
