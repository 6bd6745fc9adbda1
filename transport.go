package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/lxndrd/nrfdfu-ble/nrfdfu"
)

const notificationBacklog = 16

// bleTransport implements nrfdfu.Transport on top of a connected go-ble
// client. Notifications are fanned into per-characteristic channels so a
// Request can match its response without racing unrelated traffic.
type bleTransport struct {
	client  ble.Client
	profile *ble.Profile

	mu    sync.Mutex
	notif map[string]chan []byte
}

// connectTransport scans for the device (MAC address or advertised name),
// connects and discovers the GATT profile.
func connectTransport(deviceID string, timeout time.Duration) (*bleTransport, error) {
	log.Infof("scanning for %q...", deviceID)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cln, err := ble.Connect(ctx, deviceFilter(deviceID))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to %q", deviceID)
	}
	log.Infof("connected to %s", cln.Addr())

	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		cln.CancelConnection()
		return nil, errors.Wrap(err, "cannot discover GATT profile")
	}
	return &bleTransport{
		client:  cln,
		profile: profile,
		notif:   make(map[string]chan []byte),
	}, nil
}

func isMACAddress(s string) bool {
	return len(s) == 17 && strings.Count(s, ":") == 5
}

func deviceFilter(deviceID string) ble.AdvFilter {
	if isMACAddress(deviceID) {
		want := strings.ToLower(deviceID)
		return func(a ble.Advertisement) bool {
			return strings.ToLower(a.Addr().String()) == want
		}
	}
	return func(a ble.Advertisement) bool {
		return a.LocalName() == deviceID
	}
}

func (t *bleTransport) characteristic(uuid string) (*ble.Characteristic, error) {
	u, err := ble.Parse(uuid)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse characteristic UUID %q", uuid)
	}
	for _, svc := range t.profile.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(u) {
				return c, nil
			}
		}
	}
	return nil, errors.Errorf("characteristic %s not found, is the device in DFU mode?", uuid)
}

func (t *bleTransport) Subscribe(char string) error {
	c, err := t.characteristic(char)
	if err != nil {
		return err
	}
	ch := make(chan []byte, notificationBacklog)
	t.mu.Lock()
	t.notif[char] = ch
	t.mu.Unlock()

	handler := func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case ch <- buf:
		default:
			log.Warnf("dropping notification on %s: % x", char, data)
		}
	}
	// the buttonless service confirms via indications, the DFU control
	// point via notifications
	indication := char == nrfdfu.ButtonlessUUID || char == nrfdfu.ButtonlessBondedUUID
	if err := t.client.Subscribe(c, indication, handler); err != nil {
		return errors.Wrapf(err, "cannot subscribe to %s", char)
	}
	return nil
}

func (t *bleTransport) Write(char string, data []byte) error {
	c, err := t.characteristic(char)
	if err != nil {
		return err
	}
	return t.client.WriteCharacteristic(c, data, true)
}

func (t *bleTransport) Request(ctx context.Context, char string, req []byte) ([]byte, error) {
	c, err := t.characteristic(char)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	ch := t.notif[char]
	t.mu.Unlock()
	if ch == nil {
		return nil, errors.Errorf("not subscribed to %s", char)
	}

	// drop stale notifications from an earlier timed-out request
	for {
		select {
		case stale := <-ch:
			log.Debugf("dropping stale notification on %s: % x", char, stale)
			continue
		default:
		}
		break
	}

	if err := t.client.WriteCharacteristic(c, req, false); err != nil {
		return nil, errors.Wrapf(err, "cannot write request to %s", char)
	}
	select {
	case rsp := <-ch:
		return rsp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *bleTransport) Close() error {
	return t.client.CancelConnection()
}
