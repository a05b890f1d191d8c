package control

import (
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/jingkaihe/iofault/internal/errx"
)

// Command selects one control operation.
type Command string

const (
	// CmdStatus reports the session's phase and injection counters.
	CmdStatus Command = "status"

	// CmdEnable turns fault injection on.
	CmdEnable Command = "enable"

	// CmdDisable turns fault injection off; intercepted traffic passes
	// through untouched until re-enabled.
	CmdDisable Command = "disable"
)

type Request struct {
	Command Command `cbor:"cmd"`
}

type Response struct {
	OK     bool    `cbor:"ok"`
	Error  string  `cbor:"error,omitempty"`
	Status *Status `cbor:"status,omitempty"`
}

// Status is the live view of one session.
type Status struct {
	SessionID string `cbor:"session_id"`
	Phase     string `cbor:"phase"`
	Path      string `cbor:"path"`
	Pid       int    `cbor:"pid"`
	Injecting bool   `cbor:"injecting"`

	Ops       uint64 `cbor:"ops"`
	Delayed   uint64 `cbor:"delayed"`
	Failed    uint64 `cbor:"failed"`
	Corrupted uint64 `cbor:"corrupted"`
	Throttled uint64 `cbor:"throttled"`
}

// maxFrameSize bounds a single frame; control messages are tiny.
const maxFrameSize = 1 << 16

// writeFrame sends one CBOR message with a big-endian uint32 length prefix.
func writeFrame(w io.Writer, msg any) error {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader, msg any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen > maxFrameSize {
		return errx.With(ErrBadFrame, ": %d bytes exceeds limit", msgLen)
	}
	payload := make([]byte, msgLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := cbor.Unmarshal(payload, msg); err != nil {
		return errx.Wrap(ErrBadFrame, err)
	}
	return nil
}
