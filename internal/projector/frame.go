package projector

import (
	"bytes"
	"fmt"
)

// Wire framing for the projector's RS-232 control protocol: commands and
// responses are ASCII payloads wrapped in STX/ETX.
const (
	stx = 0x02
	etx = 0x03
)

// Control commands and query responses.
const (
	cmdPowerOn    = "PON"
	cmdPowerOff   = "POF"
	cmdQueryPower = "QPW"

	replyPowerOff = "000"
	replyPowerOn  = "001"
)

// encodeFrame wraps an ASCII command in STX/ETX.
func encodeFrame(command string) []byte {
	frame := make([]byte, 0, len(command)+2)
	frame = append(frame, stx)
	frame = append(frame, command...)
	frame = append(frame, etx)
	return frame
}

// decodeFrame extracts the payload of the first complete frame in buf.
// Leading noise before STX is discarded; projectors emit stray bytes on
// power transitions.
func decodeFrame(buf []byte) (string, error) {
	start := bytes.IndexByte(buf, stx)
	if start < 0 {
		return "", fmt.Errorf("no frame start in %q", buf)
	}
	end := bytes.IndexByte(buf[start:], etx)
	if end < 0 {
		return "", fmt.Errorf("unterminated frame in %q", buf)
	}
	return string(buf[start+1 : start+end]), nil
}

// frameComplete reports whether buf holds at least one full STX..ETX frame.
func frameComplete(buf []byte) bool {
	start := bytes.IndexByte(buf, stx)
	if start < 0 {
		return false
	}
	return bytes.IndexByte(buf[start:], etx) >= 0
}
