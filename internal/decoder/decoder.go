// Package decoder supervises the external audio decoding subprocess that
// turns a client's compressed stream into raw 16-bit little-endian mono PCM.
package decoder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohsin-356/callbot/internal/audio"
)

// ErrNotAvailable reports that no decoder binary could be resolved.
var ErrNotAvailable = errors.New("decoder: no binary available")

const (
	// TargetSampleRate is the fixed PCM rate produced by the decoder.
	TargetSampleRate = 16000

	readChunkBytes = 4096
	stopTimeout    = 2 * time.Second
)

// Locate resolves the decoder binary once at startup. An explicit path wins;
// otherwise ffmpeg is looked up on PATH. Returns "" when nothing resolves.
func Locate(configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path
	}
	return ""
}

// Process wraps one running decoder subprocess bound to a single input
// container format. At most one live Process exists per session.
type Process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	queue    *audio.FrameQueue
	log      *slog.Logger
	exited   atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// args builds the ffmpeg invocation for a live stream: read the declared
// container from stdin, emit s16le mono PCM at the target rate on stdout with
// buffering kept to the minimum the format allows.
func args(mimeType string) []string {
	argv := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
	}
	if format := containerFormat(mimeType); format != "" {
		argv = append(argv, "-f", format)
	}
	argv = append(argv,
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", strconv.Itoa(TargetSampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	)
	return argv
}

// containerFormat maps a declared mime type to an ffmpeg demuxer hint. An
// empty result leaves format probing to the decoder.
func containerFormat(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/x-matroska", "video/x-matroska":
		return "matroska"
	case "audio/ogg", "application/ogg":
		return "ogg"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/flac", "audio/x-flac":
		return "flac"
	default:
		return ""
	}
}

// Start launches the decoder for the declared container type. The stdout
// reader runs on its own goroutine and only touches the frame queue, never
// session state.
func Start(binary, mimeType string, queueMax int, log *slog.Logger) (*Process, error) {
	if binary == "" {
		return nil, ErrNotAvailable
	}

	cmd := exec.Command(binary, args(mimeType)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start decoder: %w", err)
	}

	p := &Process{
		cmd:   cmd,
		stdin: stdin,
		queue: audio.NewFrameQueue(queueMax),
		log:   log.With(slog.String("component", "decoder"), slog.Int("pid", cmd.Process.Pid)),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readLoop(stdout)
	}()

	p.log.Info("decoder started", slog.String("mime_type", mimeType))
	return p, nil
}

func (p *Process) readLoop(stdout io.Reader) {
	defer p.queue.Close()
	buf := make([]byte, readChunkBytes)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !p.queue.Push(chunk) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				p.log.Warn("decoder read failed", slog.String("error", err.Error()))
			}
			p.exited.Store(true)
			return
		}
	}
}

// Feed writes compressed bytes to the subprocess input. A failed write is a
// recoverable per-chunk condition for the caller, not a session crash.
func (p *Process) Feed(data []byte) error {
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("feed decoder: %w", err)
	}
	return nil
}

// Drain returns all PCM chunks decoded so far without blocking.
func (p *Process) Drain() [][]byte {
	return p.queue.Drain()
}

// Exited reports whether the subprocess terminated on its own. The supervisor
// treats this as fatal for the session rather than stalling silently.
func (p *Process) Exited() bool {
	return p.exited.Load()
}

// Stop tears the subprocess down: close stdin, wait briefly for a clean exit,
// kill if still running, then reap the reader. Safe to call multiple times
// and from any of the finalize, error, and disconnect paths.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		p.queue.Close()

		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			_ = p.cmd.Process.Kill()
			<-done
		}
		p.wg.Wait()
		p.log.Info("decoder stopped")
	})
}
