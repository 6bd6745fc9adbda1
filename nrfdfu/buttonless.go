package nrfdfu

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// buttonlessEnter is the opcode requesting bootloader entry; the device
// confirms with an indication before it disconnects and reboots.
var (
	buttonlessEnter    = []byte{0x01}
	buttonlessEnterAck = []byte{0x20, 0x01, 0x01}
)

// Trigger asks a running application to reboot into DFU mode via the
// Buttonless DFU characteristic. The device disconnects and reboots as a
// side effect; reconnecting to the post-reboot device is the caller's
// responsibility. A missing confirmation is tolerated because the reboot
// can race the indication.
func Trigger(ctx context.Context, t Transport) error {
	if err := t.Subscribe(ButtonlessUUID); err != nil {
		return errors.Wrap(err, "cannot subscribe to buttonless characteristic")
	}
	rsp, err := t.Request(ctx, ButtonlessUUID, buttonlessEnter)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Debugf("no buttonless confirmation, device may have rebooted already")
			return nil
		}
		return errors.Wrap(err, "cannot request bootloader entry")
	}
	if !bytes.Equal(rsp, buttonlessEnterAck) {
		return errors.Errorf("bootloader entry rejected: % x", rsp)
	}
	log.Infof("DFU mode triggered, device is rebooting")
	return nil
}
