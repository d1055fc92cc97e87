package lighting

import (
	"fmt"
	"strconv"
	"strings"
)

// Powerline modem wire constants. Host-to-modem frames start with STX and a
// command byte; the modem echoes the frame back with a trailing ACK or NAK.
const (
	plmStx = 0x02
	plmAck = 0x06
	plmNak = 0x15

	plmSendMessage = 0x62

	// Standard-length direct message, max hops.
	msgFlagsDirect = 0x0F

	cmdLightOn  = 0x11
	cmdLightOff = 0x13
)

// sendFrameLen is the length of a standard send-message frame:
// STX, command, 3 address bytes, flags, cmd1, cmd2.
const sendFrameLen = 8

// Address is a three-byte powerline device address.
type Address [3]byte

// ParseAddress parses the dotted-hex form used in configuration, e.g.
// "1A.2B.3C".
func ParseAddress(s string) (Address, error) {
	var addr Address
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return addr, fmt.Errorf("address %q: want three dotted hex octets", s)
	}
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("address %q: octet %q: %w", s, part, err)
		}
		addr[i] = byte(v)
	}
	return addr, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%02X.%02X.%02X", a[0], a[1], a[2])
}

// encodeLevel converts a 0..1 dim level to the wire's 0..255 range.
func encodeLevel(level float64) byte {
	if level <= 0 {
		return 0
	}
	if level >= 1 {
		return 0xFF
	}
	return byte(level*255 + 0.5)
}

// encodeSetLevel builds the send-message frame for one channel level change.
// Level 0 becomes an off command; anything else an on command at that level.
func encodeSetLevel(addr Address, level float64) []byte {
	cmd1 := byte(cmdLightOn)
	cmd2 := encodeLevel(level)
	if cmd2 == 0 {
		cmd1 = cmdLightOff
	}
	return []byte{plmStx, plmSendMessage, addr[0], addr[1], addr[2], msgFlagsDirect, cmd1, cmd2}
}

// checkEcho validates the modem's echo of a sent frame. The echo repeats the
// frame verbatim with a status byte appended.
func checkEcho(sent, echo []byte) error {
	if len(echo) < len(sent)+1 {
		return fmt.Errorf("short modem echo: %d bytes", len(echo))
	}
	for i := range sent {
		if echo[i] != sent[i] {
			return fmt.Errorf("modem echo mismatch at byte %d: sent %02X got %02X", i, sent[i], echo[i])
		}
	}
	switch status := echo[len(sent)]; status {
	case plmAck:
		return nil
	case plmNak:
		return fmt.Errorf("modem rejected frame")
	default:
		return fmt.Errorf("unexpected modem status byte %02X", status)
	}
}
