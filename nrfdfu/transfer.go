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
	"context"
	"hash/crc32"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TransferState tracks the peripheral-confirmed progress of one object
// transfer. Offset and CRC always describe bytes [0, Offset) as last
// acknowledged at a CRC checkpoint; the peripheral's own answers are the
// authority and local assumptions are reconciled against them.
type TransferState struct {
	TotalSize     int
	Offset        int
	MaxObjectSize int
	PRN           int
	CRC           uint32
}

// transferEngine streams one binary blob to the currently selected object
// slot: chunked writes without response, CRC checkpoints every PRN chunks,
// bounded retries resuming from the last peripheral-verified point.
type transferEngine struct {
	target     *target
	maxRetries int
	backoff    BackoffFunc
	progress   func(sent, total int)
}

// transfer sends data[st.Offset:] and returns once the peripheral has
// confirmed all TotalSize bytes. On return with a nil error st holds the
// final confirmed (offset, crc) pair. A *CrcMismatchError escapes only
// when the peripheral's reported state cannot be reconciled with the local
// data, meaning the object content diverged and must be recreated.
func (e *transferEngine) transfer(ctx context.Context, data []byte, st *TransferState) error {
	if st.MaxObjectSize <= 0 {
		return errors.New("internal error: max object size not set")
	}

	retries := 0
	for st.Offset < st.TotalSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.streamWindow(ctx, data, st)
		if err == nil {
			// confirmed progress resets the budget
			retries = 0
			continue
		}
		var dfuErr *DfuError
		if errors.As(err, &dfuErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retries++
		if retries > e.maxRetries {
			return &TransferAbortedError{Attempts: retries, Err: err}
		}
		log.Debugf("transfer error at offset %d (attempt %d/%d): %v", st.Offset, retries, e.maxRetries, err)
		if serr := sleepContext(ctx, e.backoff(retries)); serr != nil {
			return serr
		}
		if rerr := e.rewind(ctx, data, st, err); rerr != nil {
			return rerr
		}
	}
	return nil
}

// streamWindow writes up to PRN chunks (all remaining ones when PRN is 0)
// and then checkpoints. st is only advanced when the peripheral confirms
// the checkpoint.
func (e *transferEngine) streamWindow(ctx context.Context, data []byte, st *TransferState) error {
	offset := st.Offset
	crc := st.CRC
	chunks := 0
	for offset < st.TotalSize {
		end := offset + st.MaxObjectSize
		if end > st.TotalSize {
			end = st.TotalSize
		}
		chunk := data[offset:end]
		if err := e.target.writeData(chunk); err != nil {
			return err
		}
		crc = crc32.Update(crc, crc32.IEEETable, chunk)
		offset = end
		chunks++
		if st.PRN > 0 && chunks >= st.PRN {
			break
		}
	}

	rep, err := e.target.getCRC(ctx)
	if err != nil {
		return err
	}
	if int(rep.Offset) != offset || rep.Crc32 != crc {
		return &CrcMismatchError{
			ExpectedOffset: offset,
			ExpectedCRC:    crc,
			ReportedOffset: int(rep.Offset),
			ReportedCRC:    rep.Crc32,
		}
	}
	st.Offset = offset
	st.CRC = crc
	if e.progress != nil {
		e.progress(st.Offset, st.TotalSize)
	}
	return nil
}

// rewind resets st to the peripheral-reported (offset, crc) pair after a
// failed window. When the reported crc does not match the local data at
// the reported offset the object content has diverged; the original
// mismatch is surfaced so the caller can recreate the object.
func (e *transferEngine) rewind(ctx context.Context, data []byte, st *TransferState, cause error) error {
	var reported *checksumResponse
	var mismatch *CrcMismatchError
	if errors.As(cause, &mismatch) {
		reported = &checksumResponse{
			Offset: uint32(mismatch.ReportedOffset),
			Crc32:  mismatch.ReportedCRC,
		}
	} else {
		rep, err := e.target.getCRC(ctx)
		if err != nil {
			return err
		}
		reported = rep
	}

	off := int(reported.Offset)
	if off > st.TotalSize || crc32.ChecksumIEEE(data[:off]) != reported.Crc32 {
		if mismatch != nil {
			return mismatch
		}
		return &CrcMismatchError{
			ExpectedOffset: st.Offset,
			ExpectedCRC:    st.CRC,
			ReportedOffset: off,
			ReportedCRC:    reported.Crc32,
		}
	}
	log.Debugf("resuming transfer from verified offset %d", off)
	st.Offset = off
	st.CRC = reported.Crc32
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
