// Package layout inspects the partition table of an SD card image without
// mounting it. The build relies on the Raspberry Pi OS layout: an MBR with a
// FAT boot partition first and the Linux root partition second.
package layout

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/mbr"
)

const (
	// 1-indexed, matching go-diskfs and the kernel's partition numbering
	BootPartition = 1
	RootPartition = 2
)

var (
	errNotMBR            = errors.New("image does not have an MBR partition table")
	errTooFewPartitions  = errors.New("image has fewer than two partitions")
	errBootNotFAT        = errors.New("first partition is not a FAT partition")
	errRootNotLinux      = errors.New("second partition is not a Linux partition")
	errNoSuchPartition   = errors.New("no such partition")
	errZeroSizePartition = errors.New("partition has zero size")
)

type Partition struct {
	Index int
	Type  mbr.Type

	// Start offset and size in bytes
	Start int64
	Size  int64
}

type Table struct {
	SectorSize int64
	Partitions []Partition
}

// Inspect reads the partition table of the image at path. The image is opened
// read-only.
func Inspect(path string) (*Table, error) {
	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open image '%s': %w", path, err)
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("failed to read partition table: %w", err)
	}

	mbrTable, ok := table.(*mbr.Table)
	if !ok {
		return nil, errNotMBR
	}

	sectorSize := int64(mbrTable.LogicalSectorSize)

	out := &Table{SectorSize: sectorSize}

	for i, part := range mbrTable.Partitions {
		if part == nil || part.Type == mbr.Empty {
			continue
		}

		out.Partitions = append(out.Partitions, Partition{
			Index: i + 1,
			Type:  part.Type,
			Start: int64(part.Start) * sectorSize,
			Size:  int64(part.Size) * sectorSize,
		})
	}

	return out, nil
}

// Validate checks that the table matches the boot+root layout the combine
// step assumes.
func (t *Table) Validate() error {
	if len(t.Partitions) < 2 {
		return errTooFewPartitions
	}

	boot, err := t.Partition(BootPartition)
	if err != nil {
		return err
	}

	root, err := t.Partition(RootPartition)
	if err != nil {
		return err
	}

	if !isFAT(boot.Type) {
		return fmt.Errorf("%w (type 0x%02x)", errBootNotFAT, byte(boot.Type))
	}

	if root.Type != mbr.Linux {
		return fmt.Errorf("%w (type 0x%02x)", errRootNotLinux, byte(root.Type))
	}

	if boot.Size == 0 || root.Size == 0 {
		return errZeroSizePartition
	}

	return nil
}

func (t *Table) Partition(index int) (*Partition, error) {
	for i := range t.Partitions {
		if t.Partitions[i].Index == index {
			return &t.Partitions[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %d", errNoSuchPartition, index)
}

func isFAT(typ mbr.Type) bool {
	switch typ {
	case mbr.Fat12, mbr.Fat16, mbr.Fat16b, mbr.Fat16bLBA, mbr.Fat32CHS, mbr.Fat32LBA:
		return true
	default:
		return false
	}
}

// PartitionDevice returns the device node of a partition on a whole-disk
// device, following the kernel's naming: devices whose name ends in a digit
// (loop0, mmcblk0) get a 'p' separator, others (sda) do not.
func PartitionDevice(device string, index int) string {
	if device == "" {
		return ""
	}

	last := rune(device[len(device)-1])
	if unicode.IsDigit(last) {
		return fmt.Sprintf("%sp%d", device, index)
	}

	return fmt.Sprintf("%s%d", device, index)
}

// FstabDevice returns the device path a partition will have on the target
// board, where the SD card shows up as mmcblk0.
func FstabDevice(index int) string {
	return PartitionDevice("/dev/mmcblk0", index)
}

// IsLoopDevice reports whether a device path looks like a loop device.
func IsLoopDevice(device string) bool {
	return strings.HasPrefix(device, "/dev/loop")
}
