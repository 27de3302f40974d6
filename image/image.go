// Package image packs flash dumps into a FAT32 disk image that a host can
// mount.
package image

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/fat32"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

const DISK_SIZE = 50 * fat32.MB
const SECTOR_SIZE = 512

// Image is a temporary FAT32 disk image holding dump files.
type Image struct {
	fs      filesystem.FileSystem
	Path    string
	closefn func() error
}

// sanitizeName takes a file name and converts it to DOS format
// by uppercasing, limiting to ASCII letters and digits, and triming to 8 chars
func sanitizeName(name string) string {
	// https://en.wikipedia.org/wiki/8.3_filename
	newName := make([]rune, 0, 8)
	for _, r := range strings.ToUpper(name) {
		if len(newName) == 8 {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			newName = append(newName, r)
		}
	}
	if len(newName) == 0 {
		return "FLASH"
	}
	return string(newName)
}

// Create a new image. Data is backed by a temporary file.
// Be sure to Close() the Image after use.
func Create() (*Image, error) {
	tmpdir, err := os.MkdirTemp("", "dataflash")
	if err != nil {
		return nil, err
	}
	dskimg := tmpdir + "/disk.img"
	dsk, err := diskfs.Create(dskimg, DISK_SIZE, diskfs.SectorSizeDefault)
	if err != nil {
		os.RemoveAll(tmpdir)
		return nil, err
	}

	// create an MBR with one partition
	table := &mbr.Table{
		LogicalSectorSize:  SECTOR_SIZE,
		PhysicalSectorSize: SECTOR_SIZE,
		Partitions: []*mbr.Partition{
			{
				Bootable: false,
				Type:     mbr.Linux,
				Start:    0,
				Size:     uint32(DISK_SIZE) / SECTOR_SIZE,
			},
		},
	}
	err = dsk.Partition(table)
	if err != nil {
		defer os.RemoveAll(tmpdir)
		return nil, err
	}
	fatfs, err := dsk.CreateFilesystem(disk.FilesystemSpec{
		Partition:   1,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: "DATAFLASH",
	})
	if err != nil {
		defer os.RemoveAll(tmpdir)
		return nil, err
	}

	closefn := func() (err error) {
		err = fatfs.Close()
		if err != nil {
			return err
		}
		return os.RemoveAll(tmpdir)
	}

	return &Image{
		Path:    dskimg,
		fs:      fatfs,
		closefn: closefn,
	}, nil
}

// WriteDump copies r into a file named after name in the root directory
// and returns the 8.3 path it used.
func (im *Image) WriteDump(name string, r io.Reader) (string, int64, error) {
	fname := "/" + sanitizeName(name) + ".BIN"
	file, err := im.fs.OpenFile(fname, os.O_CREATE|os.O_RDWR)
	if err != nil {
		return fname, 0, fmt.Errorf("create dump %v: %w", fname, err)
	}
	defer file.Close()

	n, err := io.Copy(file, r)
	if err != nil {
		return fname, n, fmt.Errorf("write dump %v: %w", fname, err)
	}
	return fname, n, nil
}

// Files lists the root directory.
func (im *Image) Files() ([]os.FileInfo, error) {
	return im.fs.ReadDir("/")
}

// Export copies the image to dstpath.
func (im *Image) Export(dstpath string) (err error) {
	r, err := os.Open(im.Path)
	if err != nil {
		return err
	}
	defer r.Close() // ignore error: file was opened read-only.

	w, err := os.Create(dstpath)
	if err != nil {
		return err
	}

	defer func() {
		if c := w.Close(); err == nil {
			err = c
		}
	}()

	_, err = io.Copy(w, r)
	return err
}

// Close removes the backing file.
func (im *Image) Close() error {
	return im.closefn()
}
