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
	"archive/zip"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
)

// ImageKind identifies what a package image updates on the target.
type ImageKind int

const (
	Application ImageKind = iota
	SoftDevice
	Bootloader
	// SoftDeviceBootloader is a combined image; it is flashed as one
	// object and never split into separate transfers.
	SoftDeviceBootloader
)

func (k ImageKind) String() string {
	switch k {
	case Application:
		return "application"
	case SoftDevice:
		return "softdevice"
	case Bootloader:
		return "bootloader"
	case SoftDeviceBootloader:
		return "softdevice+bootloader"
	}
	return "unknown"
}

// Image is one updatable unit of a package: the signed init packet the
// bootloader validates, and the firmware bytes it flashes.
type Image struct {
	Kind       ImageKind
	InitPacket []byte
	Firmware   []byte
}

// Package is a loaded DFU package. It is immutable after loading and may
// be inspected concurrently. Images are ordered in required flash
// sequence: softdevice/bootloader images before any application.
type Package struct {
	Images []Image
}

// ImagesFor returns the images an update mode sends, in package order.
func (p *Package) ImagesFor(mode Mode) []Image {
	var images []Image
	for _, img := range p.Images {
		if img.Kind == mode.kind() {
			images = append(images, img)
		}
	}
	return images
}

// manifest.json layout produced by nrfutil:
//
//	{"manifest": {"application": {"bin_file": "app.bin", "dat_file": "app.dat"}, ...}}
type manifestEntry struct {
	BinFile string `json:"bin_file"`
	DatFile string `json:"dat_file"`
}

var manifestKinds = map[string]ImageKind{
	"application":           Application,
	"softdevice":            SoftDevice,
	"bootloader":            Bootloader,
	"softdevice_bootloader": SoftDeviceBootloader,
}

// loadOrder fixes the flash sequence: a combined softdevice+bootloader
// entry (or separate softdevice/bootloader ones) precedes any application.
var loadOrder = []string{"softdevice_bootloader", "softdevice", "bootloader", "application"}

// OpenPackage loads a DFU package from a zip file on disk.
func OpenPackage(path string) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open DFU package")
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "cannot stat DFU package")
	}
	return LoadPackage(f, fi.Size())
}

// LoadPackage loads a DFU package from an in-memory or seekable zip
// container. The load is a pure transform: consistency of the manifest
// against the container is fully validated, no transport is touched.
func LoadPackage(r io.ReaderAt, size int64) (*Package, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read DFU package container")
	}

	members := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		members[f.Name] = f
	}

	mf, ok := members["manifest.json"]
	if !ok {
		return nil, errors.Wrap(ErrMalformedManifest, "package has no manifest.json")
	}
	raw, err := readMember(mf)
	if err != nil {
		return nil, err
	}

	var m struct {
		Manifest map[string]*manifestEntry `json:"manifest"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "cannot parse manifest.json: %v", err)
	}
	if len(m.Manifest) == 0 {
		return nil, errors.Wrap(ErrMalformedManifest, "manifest declares no images")
	}
	for key := range m.Manifest {
		if _, ok := manifestKinds[key]; !ok {
			return nil, errors.Wrapf(ErrUnsupportedImageKind, "manifest declares image kind %q", key)
		}
	}

	pkg := &Package{}
	for _, key := range loadOrder {
		entry := m.Manifest[key]
		if entry == nil {
			continue
		}
		img, err := loadImage(members, manifestKinds[key], key, entry)
		if err != nil {
			return nil, err
		}
		pkg.Images = append(pkg.Images, *img)
	}
	return pkg, nil
}

func loadImage(members map[string]*zip.File, kind ImageKind, key string, entry *manifestEntry) (*Image, error) {
	if entry.BinFile == "" || entry.DatFile == "" {
		return nil, errors.Wrapf(ErrMalformedManifest, "image %q does not declare both bin_file and dat_file", key)
	}
	initPacket, err := imageMember(members, key, entry.DatFile)
	if err != nil {
		return nil, err
	}
	firmware, err := imageMember(members, key, entry.BinFile)
	if err != nil {
		return nil, err
	}
	return &Image{Kind: kind, InitPacket: initPacket, Firmware: firmware}, nil
}

func imageMember(members map[string]*zip.File, key, name string) ([]byte, error) {
	f, ok := members[name]
	if !ok {
		return nil, errors.Wrapf(ErrMissingMember, "image %q declares member %q which is not in the package", key, name)
	}
	data, err := readMember(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.Wrapf(ErrSizeMismatch, "image %q member %q is empty", key, name)
	}
	return data, nil
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open package member %q", f.Name)
	}
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read package member %q", f.Name)
	}
	if uint64(len(data)) != f.UncompressedSize64 {
		return nil, errors.Wrapf(ErrSizeMismatch, "member %q declares %d bytes but contains %d",
			f.Name, f.UncompressedSize64, len(data))
	}
	return data, nil
}
