package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
	"github.com/spf13/afero"
)

const (
	progressPrefix = "PROGRESS:"
	destPrefix     = "DEST:"
	titlePrefix    = "TITLE:"

	// One JSON object per progress line on stdout. The filename rides
	// along so a cancelled run knows which partial file to remove.
	progressTemplate = `download:` + progressPrefix +
		`{"downloaded_bytes":%(progress.downloaded_bytes)j,` +
		`"total_bytes":%(progress.total_bytes)j,` +
		`"total_bytes_estimate":%(progress.total_bytes_estimate)j,` +
		`"speed":%(progress._speed_str)j,` +
		`"eta":%(progress._eta_str)j,` +
		`"percent":%(progress._percent_str)j,` +
		`"filename":%(progress.filename)j}`
)

// Engine shells out to yt-dlp. It is the only component that speaks to
// the network; the core just interprets its structured output.
type Engine struct {
	logger *slog.Logger
	bin    string
	fs     afero.Fs
}

var _ ports.Extractor = (*Engine)(nil)

func New(logger *slog.Logger, bin string, fs afero.Fs) *Engine {
	if bin == "" {
		bin = "yt-dlp"
	}
	return &Engine{logger: logger, bin: bin, fs: fs}
}

type rawInfo struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Duration   *float64 `json:"duration"`
	Uploader   string   `json:"uploader"`
	WebpageURL string   `json:"webpage_url"`
	Type       string   `json:"_type"`
	Entries    []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"entries"`
	Formats []struct {
		FormatID   string `json:"format_id"`
		Ext        string `json:"ext"`
		Resolution string `json:"resolution"`
		VCodec     string `json:"vcodec"`
		ACodec     string `json:"acodec"`
		Filesize   *int64 `json:"filesize"`
	} `json:"formats"`
}

func (e *Engine) Inspect(ctx context.Context, url string) (domain.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, e.bin,
		"-J", "--flat-playlist", "--no-warnings", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return domain.MediaInfo{}, ctx.Err()
		}
		return domain.MediaInfo{}, e.classify(stderr.String(), err)
	}

	var raw rawInfo
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return domain.MediaInfo{}, fmt.Errorf("parse metadata: %w", err)
	}

	info := domain.MediaInfo{
		ID:         raw.ID,
		Title:      raw.Title,
		Duration:   raw.Duration,
		Uploader:   raw.Uploader,
		WebpageURL: raw.WebpageURL,
		IsPlaylist: raw.Type == "playlist",
	}
	for _, entry := range raw.Entries {
		info.Entries = append(info.Entries, domain.PlaylistEntry{URL: entry.URL, Title: entry.Title})
	}
	for _, f := range raw.Formats {
		info.Formats = append(info.Formats, domain.FormatInfo{
			FormatID:   f.FormatID,
			Ext:        f.Ext,
			Resolution: f.Resolution,
			HasVideo:   f.VCodec != "" && f.VCodec != "none",
			HasAudio:   f.ACodec != "" && f.ACodec != "none",
			Filesize:   f.Filesize,
		})
	}
	return info, nil
}

func (e *Engine) Download(ctx context.Context, req ports.DownloadRequest, progress ports.ProgressFunc) (ports.DownloadResult, error) {
	args := []string{
		"-f", FormatSelector(req.Kind, req.Quality),
		"-o", filepath.Join(req.TargetDir, "%(title)s.%(ext)s"),
		"--newline",
		"--no-warnings",
		"--no-playlist",
		"--retries", "10",
		"--fragment-retries", "10",
		"--progress-template", progressTemplate,
		"--no-simulate",
		"--print", "after_move:" + destPrefix + "%(filepath)s",
		"--print", "after_move:" + titlePrefix + "%(title)s",
	}
	if req.Kind == domain.MediaKindAudio {
		args = append(args, "-x", "--audio-format", "mp3", "--audio-quality", AudioQuality(req.Quality))
	}
	args = append(args, req.URL)

	cmd := exec.CommandContext(ctx, e.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ports.DownloadResult{}, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return ports.DownloadResult{}, fmt.Errorf("start %s: %w", e.bin, err)
	}

	var res ports.DownloadResult
	var lastFile string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, progressPrefix):
			tick, file, ok := parseProgressLine(line)
			if !ok {
				continue
			}
			if file != "" {
				lastFile = file
			}
			progress(tick)
		case strings.HasPrefix(line, destPrefix):
			res.LocalPath = strings.TrimPrefix(line, destPrefix)
		case strings.HasPrefix(line, titlePrefix):
			res.Title = strings.TrimPrefix(line, titlePrefix)
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		e.cleanupPartial(lastFile)
		return ports.DownloadResult{}, ctx.Err()
	}
	if waitErr != nil {
		return ports.DownloadResult{}, e.classify(stderr.String(), waitErr)
	}
	if res.LocalPath == "" {
		return ports.DownloadResult{}, &domain.CapabilityError{
			Reason:  domain.ReasonCapability,
			Message: "downloader reported success but no output file",
		}
	}
	return res, nil
}

// cleanupPartial removes the in-flight file of a cancelled run, plus
// yt-dlp's .part sibling.
func (e *Engine) cleanupPartial(file string) {
	if file == "" {
		return
	}
	for _, path := range []string{file, file + ".part"} {
		if err := e.fs.Remove(path); err == nil {
			e.logger.Debug("removed partial file", "path", path)
		}
	}
}

type progressLine struct {
	DownloadedBytes    *float64 `json:"downloaded_bytes"`
	TotalBytes         *float64 `json:"total_bytes"`
	TotalBytesEstimate *float64 `json:"total_bytes_estimate"`
	Speed              *string  `json:"speed"`
	ETA                *string  `json:"eta"`
	Percent            *string  `json:"percent"`
	Filename           *string  `json:"filename"`
}

func parseProgressLine(line string) (ports.ProgressTick, string, bool) {
	var pl progressLine
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, progressPrefix)), &pl); err != nil {
		return ports.ProgressTick{}, "", false
	}

	var tick ports.ProgressTick
	if pl.DownloadedBytes != nil {
		tick.DownloadedBytes = int64(*pl.DownloadedBytes)
	}
	total := pl.TotalBytes
	if total == nil {
		total = pl.TotalBytesEstimate
	}
	if total != nil {
		tick.TotalBytes = int64(*total)
	}
	if pl.Percent != nil {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(*pl.Percent), "%"), 64)
		if err == nil {
			tick.Percent = pct
		}
	} else if tick.TotalBytes > 0 {
		tick.Percent = float64(tick.DownloadedBytes) / float64(tick.TotalBytes) * 100
	}
	if pl.Speed != nil {
		tick.Speed = strings.TrimSpace(*pl.Speed)
	}
	if pl.ETA != nil {
		tick.ETA = strings.TrimSpace(*pl.ETA)
	}

	var file string
	if pl.Filename != nil {
		file = *pl.Filename
	}
	return tick, file, true
}

// classify folds yt-dlp's stderr into the failure taxonomy. The last
// ERROR: line is the message users see.
func (e *Engine) classify(stderr string, err error) error {
	msg := lastErrorLine(stderr)
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "unsupported url"),
		strings.Contains(lower, "is not a valid url"):
		return fmt.Errorf("%w: %s", domain.ErrInvalidURL, msg)
	case strings.Contains(lower, "no space left"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "read-only file system"):
		return &domain.CapabilityError{Reason: domain.ReasonStorage, Message: msg}
	case strings.Contains(lower, "unable to download"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "temporary failure in name resolution"),
		strings.Contains(lower, "getaddrinfo"):
		return &domain.CapabilityError{Reason: domain.ReasonNetwork, Message: msg}
	default:
		return &domain.CapabilityError{Reason: domain.ReasonCapability, Message: msg}
	}
}

func lastErrorLine(stderr string) string {
	var last string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ERROR:") {
			last = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	if last == "" {
		return strings.TrimSpace(stderr)
	}
	return last
}

// FormatSelector builds the yt-dlp format string for a kind and
// quality tier. The video ladders cap the height per tier; audio always
// grabs the best stream and lets the mp3 postprocessor set the bitrate.
func FormatSelector(kind domain.MediaKind, quality domain.Quality) string {
	if kind == domain.MediaKindAudio {
		return "bestaudio/best"
	}
	switch quality {
	case domain.QualityHigh:
		return "bestvideo[height<=1080][ext=mp4]+bestaudio[ext=m4a]/best[height<=1080][ext=mp4]/best"
	case domain.QualityMedium:
		return "bestvideo[height<=720][ext=mp4]+bestaudio[ext=m4a]/best[height<=720][ext=mp4]/best"
	case domain.QualityLow:
		return "bestvideo[height<=480][ext=mp4]+bestaudio[ext=m4a]/best[height<=480][ext=mp4]/best"
	default:
		return "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
	}
}

// AudioQuality maps a quality tier to an mp3 bitrate.
func AudioQuality(quality domain.Quality) string {
	switch quality {
	case domain.QualityBest:
		return "320"
	case domain.QualityHigh:
		return "256"
	case domain.QualityLow:
		return "128"
	default:
		return "192"
	}
}
