package flash

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/italolelis/neos_updater/internal/integrity"
	"github.com/italolelis/neos_updater/internal/logctx"
)

// DeviceWriteError represents a failed or short write to a raw block device.
// A short write mid-stream is not safely retryable, so it aborts the flash.
type DeviceWriteError struct {
	Device string // Device path that rejected the write
	Err    error  // Underlying error, if any
}

func (e *DeviceWriteError) Error() string {
	return fmt.Sprintf("device write failed on %s", e.Device)
}

func (e *DeviceWriteError) Unwrap() error {
	return e.Err
}

// Flasher streams a verified image onto a raw block device and re-verifies
// the written prefix afterwards.
type Flasher struct {
	chunkSize int
	verifier  integrity.Verifier

	// OnVerify, when set, is invoked after the copy completes and before the
	// written device is re-digested.
	OnVerify func()
}

func NewFlasher(chunkSize int, verifier integrity.Verifier) *Flasher {
	return &Flasher{chunkSize: chunkSize, verifier: verifier}
}

// Flash copies imagePath onto devicePath in fixed-size chunks and then
// digests the device's leading expectedLen bytes against expectedHash. The
// re-verification happens even though the copy reported success; a block
// device can truncate or reorder writes below the syscall layer.
func (f *Flasher) Flash(ctx context.Context, imagePath, devicePath, expectedHash string, expectedLen int64) error {
	logger := logctx.LoggerFromContext(ctx)

	img, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("failed to open recovery image: %w", err)
	}

	defer img.Close()

	dev, err := os.OpenFile(devicePath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open recovery device: %w", err)
	}

	if err := f.copyChunks(img, dev, devicePath); err != nil {
		dev.Close()

		return err
	}

	if err := dev.Sync(); err != nil {
		dev.Close()

		return &DeviceWriteError{Device: devicePath, Err: err}
	}

	if err := dev.Close(); err != nil {
		return &DeviceWriteError{Device: devicePath, Err: err}
	}

	if f.OnVerify != nil {
		f.OnVerify()
	}

	written := f.verifier.DigestFile(devicePath, expectedLen)

	logger.Info("verified recovery flash", "device", devicePath, "digest", written)

	if written != expectedHash {
		return &integrity.Error{Name: "recovery device", Expected: expectedHash, Actual: written}
	}

	return nil
}

func (f *Flasher) copyChunks(img io.Reader, dev io.Writer, devicePath string) error {
	buf := make([]byte, f.chunkSize)

	for {
		read, err := img.Read(buf)
		if read > 0 {
			written, werr := dev.Write(buf[:read])
			if werr != nil {
				return &DeviceWriteError{Device: devicePath, Err: werr}
			}

			if written != read {
				return &DeviceWriteError{Device: devicePath, Err: io.ErrShortWrite}
			}
		}

		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to read recovery image: %w", err)
		}
	}
}
