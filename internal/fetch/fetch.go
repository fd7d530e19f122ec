package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/neos_updater/internal/fetch/progress"
	"github.com/italolelis/neos_updater/internal/logctx"
	"github.com/italolelis/neos_updater/internal/storage"
	"github.com/italolelis/neos_updater/internal/telemetry"
)

// NetworkError represents a failed download attempt: transport errors,
// mid-body disconnects and unexpected HTTP statuses.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "download")
	URL        string // Source URL of the attempt
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.URL)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.URL)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Engine downloads a URL into a local file with byte-offset resume and a
// bounded stagnant-retry budget. The resume offset is always the current size
// of the destination file; the filesystem is the only progress record.
type Engine struct {
	client    *http.Client
	userAgent string
	retries   int
	journal   storage.AttemptJournal
	tel       *telemetry.Telemetry
}

func NewEngine(client *http.Client, userAgent string, retries int, journal storage.AttemptJournal, tel *telemetry.Telemetry) *Engine {
	if client == nil {
		client = http.DefaultClient
	}

	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	return &Engine{
		client:    client,
		userAgent: userAgent,
		retries:   retries,
		journal:   journal,
		tel:       tel,
	}
}

// Download fetches url into dest, resuming from the bytes already on disk.
// Attempts that fail without growing the file burn the retry budget; attempts
// that land bytes keep it alive. A 416 response means the file is already
// complete at the server's reported length and counts as success.
func (e *Engine) Download(ctx context.Context, url, dest string, onProgress func(frac float64)) error {
	logger := logctx.LoggerFromContext(ctx)

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}

	defer f.Close()

	session := storage.NewSessionID()
	start := time.Now()
	tries := e.retries

	var lastResume int64

	for {
		resume, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return fmt.Errorf("failed to find resume offset: %w", err)
		}

		attemptErr := e.attempt(ctx, url, f, resume, onProgress)
		if attemptErr == nil {
			e.journalAttempt(ctx, session, url, resume, storage.OutcomeCompleted, start)
			e.tel.RecordDownloadAttempt(storage.OutcomeCompleted)
			e.tel.RecordDownloadDuration("success", time.Since(start))

			logger.Info("download complete", "url", url, "dest", dest)

			return nil
		}

		var nerr *NetworkError
		if errors.As(attemptErr, &nerr) && nerr.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			// The file is already complete at the server's reported length.
			e.journalAttempt(ctx, session, url, resume, storage.OutcomeAlreadyDone, start)
			e.tel.RecordDownloadAttempt(storage.OutcomeAlreadyDone)
			e.tel.RecordDownloadDuration("success", time.Since(start))

			logger.Info("download already complete", "url", url, "resume_offset", resume)

			return nil
		}

		e.journalAttempt(ctx, session, url, resume, storage.OutcomeFailed, start)
		e.tel.RecordDownloadAttempt(storage.OutcomeFailed)

		if resume == lastResume {
			tries--
			if tries <= 0 {
				e.journalAttempt(ctx, session, url, resume, storage.OutcomeExhausted, start)
				e.tel.RecordDownloadDuration("failure", time.Since(start))

				logger.Error("download retries exhausted", "url", url, "resume_offset", resume, "err", attemptErr)

				return attemptErr
			}
		}

		lastResume = resume

		logger.Warn("download attempt failed, retrying",
			"url", url,
			"resume_offset", humanize.Bytes(uint64(resume)),
			"tries_left", tries,
			"err", attemptErr,
		)
	}
}

func (e *Engine) attempt(ctx context.Context, url string, f *os.File, resume int64, onProgress func(frac float64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &NetworkError{Operation: "download", URL: url, Err: err}
	}

	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resume))

	resp, err := e.client.Do(req)
	if err != nil {
		return &NetworkError{Operation: "download", URL: url, Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NetworkError{Operation: "download", URL: url, StatusCode: resp.StatusCode}
	}

	var total int64
	if resp.ContentLength > 0 {
		total = resume + resp.ContentLength
	}

	pr := progress.NewReader(resp.Body, resume, total, onProgress)

	n, err := io.Copy(f, pr)

	e.tel.AddDownloadBytes(n)

	if err != nil {
		return &NetworkError{Operation: "download", URL: url, Err: err}
	}

	return nil
}

func (e *Engine) journalAttempt(ctx context.Context, session, url string, resume int64, outcome string, startedAt time.Time) {
	if e.journal == nil {
		return
	}

	a := storage.Attempt{
		SessionID:    session,
		URL:          url,
		ResumeOffset: resume,
		Outcome:      outcome,
		StartedAt:    startedAt,
	}

	if err := e.journal.RecordAttempt(a); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to journal download attempt", "url", url, "err", err)
	}
}
