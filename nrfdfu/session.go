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

// Package nrfdfu implements the client side of the nRF DFU protocol over
// an abstract GATT transport: loading firmware packages, driving the
// control point opcode conversation and streaming CRC-verified, resumable
// object transfers to a DFU bootloader.
package nrfdfu

import (
	"context"
	"hash/crc32"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Mode selects which package images an update session sends.
type Mode string

const (
	ModeApplication          Mode = "app"
	ModeSoftDevice           Mode = "sd"
	ModeBootloader           Mode = "bl"
	ModeSoftDeviceBootloader Mode = "sdbl"
)

// ParseMode maps a CLI mode argument to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeApplication, ModeSoftDevice, ModeBootloader, ModeSoftDeviceBootloader:
		return Mode(s), nil
	}
	return "", errors.Errorf("unknown update mode %q, try app, sd, bl or sdbl", s)
}

func (m Mode) kind() ImageKind {
	switch m {
	case ModeSoftDevice:
		return SoftDevice
	case ModeBootloader:
		return Bootloader
	case ModeSoftDeviceBootloader:
		return SoftDeviceBootloader
	}
	return Application
}

// phase of the per-object opcode sequence. Kept as an explicit value so
// every peripheral response has a defined landing state.
type phase int

const (
	phaseIdle phase = iota
	phaseSelecting
	phaseCreating
	phaseStreaming
	phaseCrcChecking
	phaseExecuting
	phaseCompleted
	phaseError
	phaseRetrying
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseSelecting:
		return "selecting"
	case phaseCreating:
		return "creating"
	case phaseStreaming:
		return "streaming"
	case phaseCrcChecking:
		return "crc-checking"
	case phaseExecuting:
		return "executing"
	case phaseCompleted:
		return "completed"
	case phaseError:
		return "error"
	case phaseRetrying:
		return "retrying"
	}
	return "unknown"
}

// Session drives one complete update over a connected transport. The
// transport is exclusively owned by the session for its whole run; the
// protocol is strictly half duplex and nothing here is safe for
// concurrent use.
type Session struct {
	target *target
	cfg    config

	prnConfigured bool
	pingID        byte
}

// NewSession creates an update session over t.
func NewSession(t Transport, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{
		target: &target{
			transport:      t,
			ctrlTimeout:    cfg.ctrlTimeout,
			ctrlRetries:    cfg.ctrlRetries,
			executeTimeout: cfg.executeTimeout,
		},
		cfg: cfg,
	}
}

// Run sends every image the mode selects from pkg, strictly one after the
// other. It returns nil only after the firmware object of every selected
// image has been executed and acknowledged. On cancellation an abort
// opcode is sent best-effort; the peripheral keeps its last confirmed
// offset/crc so a future session can resume.
func (s *Session) Run(ctx context.Context, pkg *Package, mode Mode) error {
	images := pkg.ImagesFor(mode)
	if len(images) == 0 {
		return &NoMatchingImageError{Mode: mode}
	}

	err := s.run(ctx, images)
	if err != nil && ctx.Err() != nil {
		if aerr := s.target.abort(); aerr != nil {
			log.Debugf("cannot send abort: %v", aerr)
		}
	}
	return err
}

func (s *Session) run(ctx context.Context, images []Image) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	for i, img := range images {
		log.Infof("updating %s image (%d of %d)", img.Kind, i+1, len(images))
		if err := s.updateImage(ctx, img); err != nil {
			return errors.Wrapf(err, "cannot update %s image", img.Kind)
		}
	}
	return nil
}

// start subscribes to control point notifications and configures the
// session-wide receipt notification interval. Ping and protocol version
// are best-effort: bootloaders built with the reduced protocol reject
// them, which says nothing about the transfer to come.
func (s *Session) start(ctx context.Context) error {
	if err := s.target.transport.Subscribe(ControlPointUUID); err != nil {
		return errors.Wrap(err, "cannot subscribe to control point")
	}

	s.pingID++
	if err := s.target.ping(ctx, s.pingID); err != nil {
		var dfuErr *DfuError
		if !errors.As(err, &dfuErr) {
			return errors.Wrap(err, "cannot ping DFU target")
		}
		log.Debugf("ping not supported by target: %v", err)
	}
	if ver, err := s.target.protocolVersion(ctx); err != nil {
		log.Debugf("cannot query protocol version: %v", err)
	} else {
		log.Infof("DFU target protocol version %d", ver)
	}

	if !s.prnConfigured {
		if err := s.target.setPRN(ctx, uint32(s.cfg.prn)); err != nil {
			return errors.Wrap(err, "cannot set receipt notification interval")
		}
		s.prnConfigured = true
	}
	return nil
}

// updateImage runs the full per-image sequence: the init packet is always
// sent and executed before the firmware object.
func (s *Session) updateImage(ctx context.Context, img Image) error {
	if err := s.sendObject(ctx, objectCommand, img.InitPacket, "init packet"); err != nil {
		return err
	}
	return s.sendObject(ctx, objectData, img.Firmware, "firmware")
}

// sendObject walks one object through the control point state machine:
//
//	selecting -> creating -> streaming -> crc-checking -> executing -> completed
//
// with retrying as a bounded loop back to selecting and error as the
// terminal failure state.
func (s *Session) sendObject(ctx context.Context, typ objectType, data []byte, label string) error {
	st := &TransferState{TotalSize: len(data), PRN: s.cfg.prn}
	engine := &transferEngine{
		target:     s.target,
		maxRetries: s.cfg.maxRetries,
		backoff:    s.cfg.backoff,
	}
	if s.cfg.progress != nil {
		engine.progress = func(sent, total int) {
			s.cfg.progress(label, sent, total)
		}
	}

	var failure error
	retries := 0
	ph := phaseSelecting
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch ph {
		case phaseSelecting:
			sel, err := s.target.selectObject(ctx, typ)
			if err != nil {
				failure, ph = err, phaseError
				continue
			}
			st.MaxObjectSize = int(sel.MaxSize)
			off := int(sel.Offset)
			if off > 0 && off <= len(data) && crc32.ChecksumIEEE(data[:off]) == sel.Crc32 {
				st.Offset = off
				st.CRC = sel.Crc32
				log.Infof("resuming %s at verified offset %d of %d", label, off, len(data))
				if off == len(data) {
					ph = phaseCrcChecking
				} else {
					ph = phaseStreaming
				}
			} else {
				ph = phaseCreating
			}
		case phaseCreating:
			if err := s.target.createObject(ctx, typ, uint32(len(data))); err != nil {
				failure, ph = err, phaseError
				continue
			}
			st.Offset, st.CRC = 0, 0
			ph = phaseStreaming
		case phaseStreaming:
			err := engine.transfer(ctx, data, st)
			if err == nil {
				ph = phaseCrcChecking
				continue
			}
			// an exhausted engine-level budget is final even when the
			// underlying cause was a CRC mismatch
			var aborted *TransferAbortedError
			if errors.As(err, &aborted) {
				failure, ph = err, phaseError
				continue
			}
			var crcErr *CrcMismatchError
			if errors.As(err, &crcErr) {
				failure, ph = err, phaseRetrying
				continue
			}
			failure, ph = err, phaseError
		case phaseCrcChecking:
			rep, err := s.target.getCRC(ctx)
			if err != nil {
				failure, ph = err, phaseError
				continue
			}
			if int(rep.Offset) != st.TotalSize || rep.Crc32 != st.CRC {
				failure = &CrcMismatchError{
					ExpectedOffset: st.TotalSize,
					ExpectedCRC:    st.CRC,
					ReportedOffset: int(rep.Offset),
					ReportedCRC:    rep.Crc32,
				}
				ph = phaseRetrying
				continue
			}
			ph = phaseExecuting
		case phaseRetrying:
			retries++
			if retries > s.cfg.maxRetries {
				failure = &TransferAbortedError{Attempts: retries, Err: failure}
				ph = phaseError
				continue
			}
			log.Debugf("%s object checkpoint failed, retrying (%d/%d): %v", label, retries, s.cfg.maxRetries, failure)
			if err := sleepContext(ctx, s.cfg.backoff(retries)); err != nil {
				return err
			}
			ph = phaseSelecting
		case phaseExecuting:
			if err := s.target.executeObject(ctx); err != nil {
				failure, ph = err, phaseError
				continue
			}
			ph = phaseCompleted
		case phaseCompleted:
			log.Debugf("%s object completed (%d bytes, crc 0x%08x)", label, st.TotalSize, st.CRC)
			return nil
		case phaseError:
			log.Errorf("%s object failed: %v", label, failure)
			return failure
		}
	}
}
