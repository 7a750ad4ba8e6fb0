package rkflash

import (
	"context"
	"fmt"
	"math"
)

// WriteImage selects kind on a loader-mode device and writes image from
// sector 0 in chunks. A failed chunk aborts the write with a *ChunkError
// carrying its byte offset.
func WriteImage(ctx context.Context, dev *Device, kind StorageKind, image []byte, opts ...Option) error {
	return run(ctx, dev, opts, func(ctx context.Context, op *Operation, c *channel) error {
		op.enter(PhaseConnecting, fmt.Sprintf("selecting %s", kind))
		if err := selectStorage(ctx, c, kind); err != nil {
			return err
		}
		if err := writeImage(ctx, op, c, image); err != nil {
			return err
		}
		op.complete(fmt.Sprintf("%s written to %s", formatCapacity(int64(len(image))), kind))
		return nil
	})
}

func writeImage(ctx context.Context, op *Operation, c *channel, image []byte) error {
	log := newLogger(c.cfg.Logger, ComponentImage)
	size := c.cfg.ImageChunkSize
	total := int64(len(image))

	if last := (total + SectorSize - 1) / SectorSize; last > math.MaxUint32 {
		return fmt.Errorf("image of %d bytes exceeds the LBA range", total)
	}
	if size/SectorSize > math.MaxUint16 {
		return fmt.Errorf("chunk of %d bytes exceeds the sector count range", size)
	}

	op.enter(PhaseWriting, "writing image")
	log.info("writing image", "size", total, "chunk", size)

	chunks := 0
	for off := 0; off < len(image); off += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+size, len(image))
		lba := uint32(off / SectorSize)
		if _, err := c.send(ctx, cmdWriteLBA(lba, image[off:end])); err != nil {
			return &ChunkError{Offset: int64(off), Err: err}
		}
		chunks++
		op.transferred(int64(end), total, fmt.Sprintf("LBA 0x%X", lba))
	}
	log.info("image written", "chunks", chunks)
	return nil
}
