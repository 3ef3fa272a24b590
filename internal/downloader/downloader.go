package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/helpers"
	"go-civitai-models/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	ChunkSize        = 32 * 1024
	ProgressInterval = 500 * time.Millisecond
	// UnknownFraction is reported while the total size is not known.
	UnknownFraction = -1.0

	userAgent = "civitai-models/1.0"
	op        = "download"
)

var (
	ErrRangeIgnored = errors.New("server did not honor the range request")
	ErrShortBody    = errors.New("body ended before the announced size")
	ErrStalled      = errors.New("no data received within the timeout")
)

// Progress is one telemetry event of a transfer.
type Progress struct {
	Fraction   float64 // [0,1], or UnknownFraction
	Downloaded int64
	Total      int64 // 0 when unknown
	Speed      string
	ETA        string // empty when the total is unknown
	Done       bool
}

func (p Progress) String() string {
	if p.Done {
		return "Download completed"
	}
	if p.Fraction == UnknownFraction {
		return fmt.Sprintf("%s downloaded, %s", helpers.BytesToSize(p.Downloaded), p.Speed)
	}
	return fmt.Sprintf("%5.1f%% of %s, %s, ETA %s", p.Fraction*100, helpers.BytesToSize(p.Total), p.Speed, p.ETA)
}

// ProgressFunc receives progress events on the transferring goroutine. It
// must return quickly.
type ProgressFunc func(Progress)

// Resolver turns a catalog file locator into a direct download URL.
type Resolver interface {
	ResolveDownloadURL(ctx context.Context, fileURL string, modelID int) (string, error)
}

// Source identifies what to download: a catalog locator plus the model id
// the catalog expects in the Referer.
type Source struct {
	URL     string
	ModelID int
}

// Downloader streams remote files to disk and resumes partial files. The
// length of the destination file is the only resume checkpoint; callers
// must not run two transfers to the same path at once.
type Downloader struct {
	client      *http.Client
	resolver    Resolver
	readTimeout time.Duration
	now         func() time.Time
}

// NewDownloader creates a Downloader. A nil resolver downloads Source.URL
// as is.
func NewDownloader(cfg models.Config, client *http.Client, resolver Resolver) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Downloader{
		client:      client,
		resolver:    resolver,
		readTimeout: timeout,
		now:         time.Now,
	}
}

// Transfer downloads src to dest, resuming from the bytes already present.
// If the server ignores the range request the partial file is discarded and
// the transfer restarts from zero once. Errors are *apperr.Error values;
// an auth-required redirect surfaces as apperr.ErrAuthRequired.
func (d *Downloader) Transfer(ctx context.Context, src Source, dest string, onProgress ProgressFunc) error {
	url := src.URL
	if d.resolver != nil {
		resolved, err := d.resolver.ResolveDownloadURL(ctx, src.URL, src.ModelID)
		if err != nil {
			return err
		}
		url = resolved
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperr.New(apperr.KindFilesystem, op, err)
	}
	return d.fetch(ctx, url, dest, onProgress, true)
}

func (d *Downloader) fetch(ctx context.Context, url, dest string, onProgress ProgressFunc, allowRestart bool) error {
	offset, err := partialSize(dest)
	if err != nil {
		return apperr.New(apperr.KindFilesystem, op, err)
	}
	logger := log.WithFields(log.Fields{"path": dest, "offset": offset})

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wd := newWatchdog(d.readTimeout, cancel)
	defer wd.stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.New(apperr.KindInvalidResponse, op, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		logger.Info("Resuming partial download")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return wd.wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		if total, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok && total == offset {
			logger.Info("Partial file already complete")
			emit(onProgress, Progress{Fraction: 1, Downloaded: offset, Total: total, Speed: helpers.FormatSpeed(0), ETA: "0s", Done: true})
			return nil
		}
		return d.restart(ctx, url, dest, onProgress, allowRestart, resp)
	}
	if err := apperr.FromStatus(op, resp.StatusCode, resp.Status); err != nil {
		return err
	}

	appendMode := false
	if offset > 0 {
		start, ok := contentRangeStart(resp.Header.Get("Content-Range"))
		if resp.StatusCode != http.StatusPartialContent || !ok || start != offset {
			return d.restart(ctx, url, dest, onProgress, allowRestart, resp)
		}
		appendMode = true
	}

	total := int64(-1)
	if t, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
		total = t
	} else if resp.ContentLength >= 0 {
		total = resp.ContentLength
		if appendMode {
			total += offset
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return apperr.New(apperr.KindFilesystem, op, err)
	}

	downloaded := int64(0)
	if appendMode {
		downloaded = offset
	}
	written, streamErr := d.stream(ctx, resp.Body, f, wd, downloaded, total, onProgress)
	if closeErr := f.Close(); streamErr == nil && closeErr != nil {
		streamErr = apperr.New(apperr.KindFilesystem, op, closeErr)
	}
	if streamErr != nil {
		logger.WithError(streamErr).Warn("Transfer interrupted, partial file kept for resume")
		return streamErr
	}
	downloaded += written

	if total >= 0 && downloaded < total {
		return apperr.New(apperr.KindIncompleteTransfer, op, fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, downloaded, total))
	}
	emit(onProgress, Progress{Fraction: 1, Downloaded: downloaded, Total: downloaded, Speed: helpers.FormatSpeed(0), ETA: "0s", Done: true})
	logger.WithField("bytes", downloaded).Debug("Transfer complete")
	return nil
}

// restart discards the partial file and fetches from zero, at most once
// per Transfer.
func (d *Downloader) restart(ctx context.Context, url, dest string, onProgress ProgressFunc, allowRestart bool, resp *http.Response) error {
	resp.Body.Close()
	if !allowRestart {
		return apperr.New(apperr.KindIncompleteTransfer, op, fmt.Errorf("%w (status %s) after restart", ErrRangeIgnored, resp.Status))
	}
	log.WithField("path", dest).Warnf("Server ignored range request (status %s), restarting from zero", resp.Status)
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.New(apperr.KindFilesystem, op, err)
	}
	return d.fetch(ctx, url, dest, onProgress, false)
}

// stream copies body to w in ChunkSize pieces, emitting progress at most
// every ProgressInterval. It returns the number of bytes written.
func (d *Downloader) stream(ctx context.Context, body io.Reader, w io.Writer, wd *watchdog, already, total int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, ChunkSize)
	start := d.now()
	lastEmit := start
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, apperr.New(apperr.KindNetwork, op, err)
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			wd.reset()
			if _, err := w.Write(buf[:n]); err != nil {
				return written, apperr.New(apperr.KindFilesystem, op, err)
			}
			written += int64(n)

			if now := d.now(); onProgress != nil && now.Sub(lastEmit) >= ProgressInterval {
				lastEmit = now
				onProgress(progressAt(already+written, total, written, now.Sub(start)))
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, wd.wrap(readErr)
		}
	}
}

func progressAt(downloaded, total, sessionBytes int64, elapsed time.Duration) Progress {
	speed := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		speed = float64(sessionBytes) / secs
	}
	p := Progress{Downloaded: downloaded, Speed: helpers.FormatSpeed(speed)}
	if total <= 0 {
		p.Fraction = UnknownFraction
		return p
	}
	p.Total = total
	p.Fraction = float64(downloaded) / float64(total)
	if p.Fraction > 1 {
		p.Fraction = 1
	}
	p.ETA = helpers.FormatETA(total-downloaded, speed)
	return p
}

func emit(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}

func partialSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

// contentRangeTotal parses the size after '/' in "bytes 0-99/1000" or
// "bytes */1000".
func contentRangeTotal(h string) (int64, bool) {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(h[i+1:]), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// contentRangeStart parses the first byte position of "bytes 400-999/1000".
func contentRangeStart(h string) (int64, bool) {
	h = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(h), "bytes"))
	dash := strings.IndexByte(h, '-')
	if dash < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(h[:dash]), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// watchdog cancels the request when no data arrives for timeout.
type watchdog struct {
	timer   *time.Timer
	timeout time.Duration
	fired   atomic.Bool
}

func newWatchdog(timeout time.Duration, cancel context.CancelFunc) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			w.fired.Store(true)
			cancel()
		})
	}
	return w
}

func (w *watchdog) reset() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// wrap tags a transport error as a network failure, naming a stall when
// the watchdog caused it.
func (w *watchdog) wrap(err error) error {
	if w.fired.Load() {
		return apperr.New(apperr.KindNetwork, op, fmt.Errorf("%w: %v", ErrStalled, err))
	}
	return apperr.New(apperr.KindNetwork, op, err)
}

// FetchBytes downloads a small resource such as a preview image into
// memory, refusing bodies larger than limit.
func (d *Downloader) FetchBytes(ctx context.Context, url string, limit int64) ([]byte, error) {
	const fetchOp = "fetch"
	ctx, cancel := context.WithTimeout(ctx, d.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidResponse, fetchOp, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindNetwork, fetchOp, err)
	}
	defer resp.Body.Close()
	if err := apperr.FromStatus(fetchOp, resp.StatusCode, resp.Status); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, apperr.New(apperr.KindNetwork, fetchOp, err)
	}
	if int64(len(data)) > limit {
		return nil, apperr.Newf(apperr.KindInvalidResponse, fetchOp, "body exceeds %s", helpers.BytesToSize(limit))
	}
	return data, nil
}
