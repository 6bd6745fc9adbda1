package nrfdfu

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Transport is the bidirectional GATT channel the protocol engine runs
// over. Characteristics are identified by their UUID string. Write is a
// write without response; Request writes with response and blocks until
// the matching notification arrives or the context expires. Subscribe
// must be called before Request can observe notifications.
type Transport interface {
	Subscribe(char string) error
	Write(char string, data []byte) error
	Request(ctx context.Context, char string, req []byte) ([]byte, error)
}

// target issues single control point opcodes and decodes their responses.
type target struct {
	transport      Transport
	ctrlTimeout    time.Duration
	ctrlRetries    int
	executeTimeout time.Duration
}

type selectResponse struct {
	MaxSize uint32
	Offset  uint32
	Crc32   uint32
}

type checksumResponse struct {
	Offset uint32
	Crc32  uint32
}

// request sends one opcode and waits for its notification, retrying a
// bounded number of times when no response arrives within the timeout.
// The protocol is half duplex: a retry never overlaps an earlier request.
func (t *target) request(ctx context.Context, op opcode, payload []byte, timeout time.Duration) ([]byte, error) {
	req := make([]byte, 0, 1+len(payload))
	req = append(req, byte(op))
	req = append(req, payload...)

	var lastErr error
	for attempt := 1; attempt <= t.ctrlRetries; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		raw, err := t.transport.Request(rctx, ControlPointUUID, req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debugf("%v request failed (attempt %d/%d): %v", op, attempt, t.ctrlRetries, err)
			lastErr = err
			continue
		}
		return verifyResponse(op, raw)
	}
	return nil, errors.Wrapf(lastErr, "no response to %v after %d attempts", op, t.ctrlRetries)
}

func (t *target) writeData(chunk []byte) error {
	if err := t.transport.Write(DataPointUUID, chunk); err != nil {
		return errors.Wrap(err, "cannot write data chunk")
	}
	return nil
}

func (t *target) selectObject(ctx context.Context, typ objectType) (*selectResponse, error) {
	payload, err := t.request(ctx, opObjectSelect, []byte{byte(typ)}, t.ctrlTimeout)
	if err != nil {
		return nil, err
	}
	if len(payload) < 12 {
		return nil, errors.Errorf("short select response: % x", payload)
	}
	return &selectResponse{
		MaxSize: binary.LittleEndian.Uint32(payload[0:4]),
		Offset:  binary.LittleEndian.Uint32(payload[4:8]),
		Crc32:   binary.LittleEndian.Uint32(payload[8:12]),
	}, nil
}

func (t *target) createObject(ctx context.Context, typ objectType, size uint32) error {
	payload := make([]byte, 5)
	payload[0] = byte(typ)
	binary.LittleEndian.PutUint32(payload[1:], size)
	_, err := t.request(ctx, opObjectCreate, payload, t.ctrlTimeout)
	return err
}

func (t *target) setPRN(ctx context.Context, value uint32) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, value)
	_, err := t.request(ctx, opReceiptNotifSet, payload, t.ctrlTimeout)
	return err
}

func (t *target) getCRC(ctx context.Context) (*checksumResponse, error) {
	payload, err := t.request(ctx, opCrcGet, nil, t.ctrlTimeout)
	if err != nil {
		return nil, err
	}
	if len(payload) < 8 {
		return nil, errors.Errorf("short crc response: % x", payload)
	}
	return &checksumResponse{
		Offset: binary.LittleEndian.Uint32(payload[0:4]),
		Crc32:  binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// executeObject commits the selected object. The bootloader may erase and
// write flash before responding, hence the extended timeout.
func (t *target) executeObject(ctx context.Context) error {
	_, err := t.request(ctx, opObjectExecute, nil, t.executeTimeout)
	return err
}

func (t *target) ping(ctx context.Context, id byte) error {
	payload, err := t.request(ctx, opPing, []byte{id}, t.ctrlTimeout)
	if err != nil {
		return err
	}
	if len(payload) < 1 || payload[0] != id {
		return errors.Errorf("ping id mismatch: sent 0x%02x, got % x", id, payload)
	}
	return nil
}

func (t *target) protocolVersion(ctx context.Context) (byte, error) {
	payload, err := t.request(ctx, opProtocolVersion, nil, t.ctrlTimeout)
	if err != nil {
		return 0, err
	}
	if len(payload) < 1 {
		return 0, errors.Errorf("short protocol version response: % x", payload)
	}
	return payload[0], nil
}

// abort asks the bootloader to drop the current operation. It responds by
// resetting, so this is a bare write with nothing to wait for.
func (t *target) abort() error {
	return t.transport.Write(ControlPointUUID, []byte{byte(opAbort)})
}
