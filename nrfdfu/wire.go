// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2021 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package nrfdfu

import (
	"fmt"

	"github.com/pkg/errors"
)

// Service and characteristic UUIDs of the nRF DFU bootloader, from the
// nRF5 SDK documentation (lib_dfu_transport_ble and the buttonless
// service_dfu pages).
const (
	// ServiceUUID is the 16-bit DFU service UUID (0xFE59).
	ServiceUUID = "fe59"
	// ControlPointUUID carries opcodes and their notification responses.
	ControlPointUUID = "8ec90001-f315-4f60-9fb8-838830daea50"
	// DataPointUUID receives raw object bytes, written without response.
	DataPointUUID = "8ec90002-f315-4f60-9fb8-838830daea50"
	// ButtonlessUUID triggers bootloader entry from the application.
	ButtonlessUUID = "8ec90003-f315-4f60-9fb8-838830daea50"
	// ButtonlessBondedUUID is the bonds-preserving variant of the above.
	ButtonlessBondedUUID = "8ec90004-f315-4f60-9fb8-838830daea50"
)

// Control point opcodes as defined in nrf_dfu_req_handler.h of the
// nRF5 SDK bootloader library.
type opcode byte

const (
	opProtocolVersion opcode = 0x00
	opObjectCreate    opcode = 0x01
	opReceiptNotifSet opcode = 0x02
	opCrcGet          opcode = 0x03
	opObjectExecute   opcode = 0x04
	opObjectSelect    opcode = 0x06
	opMtuGet          opcode = 0x07
	opObjectWrite     opcode = 0x08
	opPing            opcode = 0x09
	opHardwareVersion opcode = 0x0a
	opFirmwareVersion opcode = 0x0b
	opAbort           opcode = 0x0c

	// responseOp tags every control point notification.
	responseOp byte = 0x60
)

func (o opcode) String() string {
	switch o {
	case opProtocolVersion:
		return "protocol version"
	case opObjectCreate:
		return "create object"
	case opReceiptNotifSet:
		return "set receipt notification"
	case opCrcGet:
		return "request CRC"
	case opObjectExecute:
		return "execute object"
	case opObjectSelect:
		return "select object"
	case opMtuGet:
		return "get MTU"
	case opObjectWrite:
		return "write object"
	case opPing:
		return "ping"
	case opHardwareVersion:
		return "hardware version"
	case opFirmwareVersion:
		return "firmware version"
	case opAbort:
		return "abort"
	}
	return fmt.Sprintf("opcode 0x%02x", byte(o))
}

// Result codes carried in the third byte of every response.
const (
	resultInvalidCode           byte = 0x00
	resultSuccess               byte = 0x01
	resultOpCodeNotSupported    byte = 0x02
	resultInvalidParameter      byte = 0x03
	resultInsufficientResources byte = 0x04
	resultInvalidObject         byte = 0x05
	resultUnsupportedType       byte = 0x07
	resultOperationNotPermitted byte = 0x08
	resultOperationFailed       byte = 0x0a
	resultExtError              byte = 0x0b
)

func resultName(code byte) string {
	switch code {
	case resultInvalidCode:
		return "invalid code"
	case resultSuccess:
		return "success"
	case resultOpCodeNotSupported:
		return "opcode not supported"
	case resultInvalidParameter:
		return "invalid parameter"
	case resultInsufficientResources:
		return "insufficient resources"
	case resultInvalidObject:
		return "invalid object"
	case resultUnsupportedType:
		return "unsupported object type"
	case resultOperationNotPermitted:
		return "operation not permitted"
	case resultOperationFailed:
		return "operation failed"
	case resultExtError:
		return "extended error"
	}
	return fmt.Sprintf("unknown result 0x%02x", code)
}

// Object slot selectors used by the select and create opcodes. The init
// packet goes to the command slot, firmware bytes to the data slot.
type objectType byte

const (
	objectCommand objectType = 0x01
	objectData    objectType = 0x02
)

func (t objectType) String() string {
	switch t {
	case objectCommand:
		return "command"
	case objectData:
		return "data"
	}
	return fmt.Sprintf("object type 0x%02x", byte(t))
}

// verifyResponse checks the response header and result code of a control
// point notification and returns the opcode-specific payload.
func verifyResponse(op opcode, raw []byte) ([]byte, error) {
	if len(raw) < 3 {
		return nil, errors.Errorf("short response to %v: % x", op, raw)
	}
	if raw[0] != responseOp {
		return nil, errors.Errorf("invalid response header 0x%02x to %v", raw[0], op)
	}
	if opcode(raw[1]) != op {
		return nil, errors.Errorf("response opcode mismatch: sent %v, got %v", op, opcode(raw[1]))
	}
	if raw[2] != resultSuccess {
		return nil, &DfuError{Op: op.String(), Code: raw[2]}
	}
	return raw[3:], nil
}
