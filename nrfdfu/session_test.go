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
	"errors"
	"hash/crc32"
	"time"

	. "gopkg.in/check.v1"
)

type sessionSuite struct{}

var _ = Suite(&sessionSuite{})

func noBackoff(int) time.Duration { return 0 }

func appPackage(initPacket, firmware []byte) *Package {
	return &Package{Images: []Image{{
		Kind:       Application,
		InitPacket: initPacket,
		Firmware:   firmware,
	}}}
}

func opIndex(ops []opcode, op opcode) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}

func (s *sessionSuite) TestHappyPathApplication(c *C) {
	initPacket := testData(118)
	firmware := testData(8000)
	f := newFakePeripheral(1000)
	sess := NewSession(f, WithBackoff(noBackoff))

	c.Assert(sess.Run(context.Background(), appPackage(initPacket, firmware), ModeApplication), IsNil)

	c.Check(f.subscribed, DeepEquals, []string{ControlPointUUID})
	c.Check(f.objects[objectCommand].data, DeepEquals, initPacket)
	c.Check(f.objects[objectCommand].executed, Equals, 1)
	c.Check(f.objects[objectData].data, DeepEquals, firmware)
	c.Check(f.objects[objectData].executed, Equals, 1)
	// the notification interval is configured before any object work
	prnAt := opIndex(f.ctrlOps, opReceiptNotifSet)
	selAt := opIndex(f.ctrlOps, opObjectSelect)
	c.Assert(prnAt, Not(Equals), -1)
	c.Assert(selAt, Not(Equals), -1)
	c.Check(prnAt < selAt, Equals, true)
	// the init packet object is executed before any firmware write
	c.Check(f.objects[objectCommand].created, Equals, 1)
	c.Check(f.objects[objectData].created, Equals, 1)
}

func (s *sessionSuite) TestChunkAndCheckpointCounts(c *C) {
	firmware := testData(120000)
	f := newFakePeripheral(4096)
	sess := NewSession(f, WithPRN(10), WithBackoff(noBackoff))

	c.Assert(sess.Run(context.Background(), appPackage(testData(118), firmware), ModeApplication), IsNil)

	// ceil(120000/4096) chunks, a checkpoint per 10 plus the final check
	c.Check(f.writesByType[objectData], Equals, 30)
	c.Check(f.crcByType[objectData], Equals, 4)
	c.Check(f.objects[objectData].executed, Equals, 1)
	c.Check(f.prn, Equals, uint32(10))
}

func (s *sessionSuite) TestNoMatchingImage(c *C) {
	f := newFakePeripheral(1000)
	sess := NewSession(f, WithBackoff(noBackoff))

	err := sess.Run(context.Background(), appPackage(testData(118), testData(2000)), ModeSoftDeviceBootloader)
	var noImg *NoMatchingImageError
	c.Assert(errors.As(err, &noImg), Equals, true)
	c.Check(noImg.Mode, Equals, ModeSoftDeviceBootloader)
	// rejected before any traffic
	c.Check(f.subscribed, HasLen, 0)
	c.Check(f.ctrlOps, HasLen, 0)
	c.Check(f.writes, Equals, 0)
}

func (s *sessionSuite) TestResumeSkipsCreate(c *C) {
	firmware := testData(8000)
	f := newFakePeripheral(1000)
	// a previous session got 4000 verified firmware bytes across
	f.objects[objectData] = &fakeObject{
		size: len(firmware),
		data: append([]byte(nil), firmware[:4000]...),
	}
	sess := NewSession(f, WithBackoff(noBackoff))

	c.Assert(sess.Run(context.Background(), appPackage(testData(118), firmware), ModeApplication), IsNil)

	c.Check(f.objects[objectData].created, Equals, 0)
	c.Check(f.writesByType[objectData], Equals, 4)
	c.Check(f.objects[objectData].data, DeepEquals, firmware)
	c.Check(f.objects[objectData].executed, Equals, 1)
}

func (s *sessionSuite) TestResumeCompletedObjectOnlyExecutes(c *C) {
	firmware := testData(8000)
	f := newFakePeripheral(1000)
	// everything made it across last time, only execute was missing
	f.objects[objectData] = &fakeObject{
		size: len(firmware),
		data: append([]byte(nil), firmware...),
	}
	sess := NewSession(f, WithBackoff(noBackoff))

	c.Assert(sess.Run(context.Background(), appPackage(testData(118), firmware), ModeApplication), IsNil)

	c.Check(f.objects[objectData].created, Equals, 0)
	c.Check(f.writesByType[objectData], Equals, 0)
	c.Check(f.objects[objectData].executed, Equals, 1)
}

func (s *sessionSuite) TestStaleObjectRecreated(c *C) {
	firmware := testData(8000)
	f := newFakePeripheral(1000)
	// leftover bytes from an update with different content
	stale := testData(3000)
	for i := range stale {
		stale[i] ^= 0xa5
	}
	f.objects[objectData] = &fakeObject{size: len(firmware), data: stale}
	sess := NewSession(f, WithBackoff(noBackoff))

	c.Assert(sess.Run(context.Background(), appPackage(testData(118), firmware), ModeApplication), IsNil)

	c.Check(f.objects[objectData].created, Equals, 1)
	c.Check(f.writesByType[objectData], Equals, 8)
	c.Check(f.objects[objectData].data, DeepEquals, firmware)
}

func (s *sessionSuite) TestPeripheralRejectionFatal(c *C) {
	f := newFakePeripheral(1000)
	f.results[opObjectCreate] = resultInsufficientResources
	sess := NewSession(f, WithBackoff(noBackoff))

	err := sess.Run(context.Background(), appPackage(testData(118), testData(2000)), ModeApplication)
	var dfuErr *DfuError
	c.Assert(errors.As(err, &dfuErr), Equals, true)
	c.Check(dfuErr.Code, Equals, resultInsufficientResources)
	c.Check(f.writes, Equals, 0)
}

func (s *sessionSuite) TestPingUnsupportedTolerated(c *C) {
	f := newFakePeripheral(1000)
	f.results[opPing] = resultOpCodeNotSupported
	sess := NewSession(f, WithBackoff(noBackoff))

	c.Assert(sess.Run(context.Background(), appPackage(testData(118), testData(2000)), ModeApplication), IsNil)
	c.Check(f.objects[objectData].executed, Equals, 1)
}

func (s *sessionSuite) TestCorruptedObjectRecreated(c *C) {
	firmware := testData(8000)
	f := newFakePeripheral(1000)
	// write 1 is the init packet, write 2 the first firmware chunk
	f.corruptAt[2] = true
	sess := NewSession(f, WithBackoff(noBackoff))

	c.Assert(sess.Run(context.Background(), appPackage(testData(118), firmware), ModeApplication), IsNil)

	// the diverged object cannot be resumed, it is created afresh
	c.Check(f.objects[objectData].created, Equals, 2)
	c.Check(f.objects[objectData].executed, Equals, 1)
	c.Check(f.objects[objectData].data, DeepEquals, firmware)
	c.Check(f.writesByType[objectData], Equals, 16)
}

func (s *sessionSuite) TestRetryBudgetExhausted(c *C) {
	f := newFakePeripheral(1000)
	f.corruptAllData = true
	sess := NewSession(f, WithRetries(1), WithBackoff(noBackoff))

	err := sess.Run(context.Background(), appPackage(testData(118), testData(2000)), ModeApplication)
	var aborted *TransferAbortedError
	c.Assert(errors.As(err, &aborted), Equals, true)
	c.Check(aborted.Attempts, Equals, 2)
	c.Check(f.objects[objectData].executed, Equals, 0)
}

func (s *sessionSuite) TestAbortSentOnCancellation(c *C) {
	f := newFakePeripheral(1000)
	sess := NewSession(f, WithBackoff(noBackoff))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sess.Run(ctx, appPackage(testData(118), testData(2000)), ModeApplication)
	c.Assert(errors.Is(err, context.Canceled), Equals, true)
	c.Check(f.ctrlOps[len(f.ctrlOps)-1], Equals, opAbort)
}

func (s *sessionSuite) TestModeSelectsImage(c *C) {
	f := newFakePeripheral(1000)
	sdFirmware := testData(3000)
	pkg := &Package{Images: []Image{
		{Kind: SoftDevice, InitPacket: testData(118), Firmware: sdFirmware},
		{Kind: Application, InitPacket: testData(118), Firmware: testData(2000)},
	}}
	sess := NewSession(f, WithBackoff(noBackoff))

	c.Assert(sess.Run(context.Background(), pkg, ModeSoftDevice), IsNil)

	// only the softdevice image goes over the wire
	c.Check(f.objects[objectData].data, DeepEquals, sdFirmware)
	c.Check(f.objects[objectData].executed, Equals, 1)
	c.Check(f.objects[objectCommand].executed, Equals, 1)
}

func (s *sessionSuite) TestProgressCallback(c *C) {
	firmware := testData(4000)
	f := newFakePeripheral(1000)
	type report struct {
		object      string
		sent, total int
	}
	var reports []report
	sess := NewSession(f,
		WithPRN(2),
		WithBackoff(noBackoff),
		WithProgress(func(object string, sent, total int) {
			reports = append(reports, report{object, sent, total})
		}))

	c.Assert(sess.Run(context.Background(), appPackage(testData(118), firmware), ModeApplication), IsNil)

	c.Assert(len(reports) > 0, Equals, true)
	c.Check(reports[0], Equals, report{"init packet", 118, 118})
	last := reports[len(reports)-1]
	c.Check(last, Equals, report{"firmware", 4000, 4000})
	// monotonic per object
	prev := 0
	for _, r := range reports[1:] {
		c.Check(r.object, Equals, "firmware")
		c.Check(r.sent > prev, Equals, true)
		prev = r.sent
	}
}

func (s *sessionSuite) TestResumedTransferMatchesFreshCrc(c *C) {
	firmware := testData(8000)

	fresh := newFakePeripheral(1000)
	c.Assert(NewSession(fresh, WithBackoff(noBackoff)).Run(
		context.Background(), appPackage(testData(118), firmware), ModeApplication), IsNil)

	resumed := newFakePeripheral(1000)
	resumed.objects[objectData] = &fakeObject{
		size: len(firmware),
		data: append([]byte(nil), firmware[:5000]...),
	}
	c.Assert(NewSession(resumed, WithBackoff(noBackoff)).Run(
		context.Background(), appPackage(testData(118), firmware), ModeApplication), IsNil)

	c.Check(crc32.ChecksumIEEE(resumed.objects[objectData].data),
		Equals, crc32.ChecksumIEEE(fresh.objects[objectData].data))
}
