package progress

import "io"

// Reader wraps an io.Reader and reports download completion as a fraction of
// the total expected bytes, counting from the resume offset the attempt
// started at.
type Reader struct {
	reader     io.Reader
	offset     int64 // bytes already on disk before this attempt
	total      int64 // total expected bytes; 0 when the server didn't say
	read       int64
	onProgress func(frac float64)
}

func NewReader(r io.Reader, offset, total int64, onProgress func(frac float64)) *Reader {
	return &Reader{
		reader:     r,
		offset:     offset,
		total:      total,
		onProgress: onProgress,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)

		if pr.onProgress != nil && pr.total > 0 {
			frac := float64(pr.offset+pr.read) / float64(pr.total)
			if frac > 1 {
				frac = 1
			}

			pr.onProgress(frac)
		}
	}

	return n, err
}
