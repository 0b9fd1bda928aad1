package stt

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/mohsin-356/callbot/internal/config"
)

// execRecognizer drives a long-lived decoder subprocess over a line protocol:
// every request written to stdin produces exactly one JSON reply line on
// stdout. Audio goes in base64; replies carry a partial or final event.
type execRecognizer struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	out        *bufio.Scanner
	log        *slog.Logger
	sampleRate int

	partial      string
	finalText    string
	pendingFinal bool
	closeOnce    sync.Once
	closeErr     error
}

type execRequest struct {
	Type      string `json:"type"`
	PCMBase64 string `json:"pcm_base64,omitempty"`
}

type execReply struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

func newExecRecognizer(cfg config.STTConfig, sampleRate int, log *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	argv, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}

	args := append([]string{}, argv[1:]...)
	args = append(args, "--rate", strconv.Itoa(sampleRate))
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}
	if cfg.Language != "" {
		args = append(args, "--language", cfg.Language)
	}

	cmd := exec.Command(argv[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stt stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stt stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stt stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start stt command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	r := &execRecognizer{
		cmd:        cmd,
		stdin:      stdin,
		out:        scanner,
		log:        log.With(slog.String("component", "stt-exec"), slog.Int("sample_rate", sampleRate)),
		sampleRate: sampleRate,
	}
	go r.logLines(stderr)
	return r, nil
}

func (r *execRecognizer) logLines(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.log.Debug("stt", slog.String("line", line))
	}
}

func (r *execRecognizer) roundTrip(req execRequest) (execReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return execReply{}, err
	}
	data = append(data, '\n')
	if _, err := r.stdin.Write(data); err != nil {
		return execReply{}, fmt.Errorf("write to recognizer: %w", err)
	}
	if !r.out.Scan() {
		if err := r.out.Err(); err != nil {
			return execReply{}, fmt.Errorf("read from recognizer: %w", err)
		}
		return execReply{}, fmt.Errorf("recognizer closed its output")
	}
	var reply execReply
	if err := json.Unmarshal(r.out.Bytes(), &reply); err != nil {
		return execReply{}, fmt.Errorf("decode recognizer reply: %w", err)
	}
	return reply, nil
}

func (r *execRecognizer) Feed(pcm []byte) (bool, error) {
	reply, err := r.roundTrip(execRequest{
		Type:      "audio",
		PCMBase64: base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return false, err
	}
	if reply.Event == "final" {
		r.partial = ""
		r.finalText = reply.Text
		r.pendingFinal = true
		return true, nil
	}
	r.partial = reply.Text
	return false, nil
}

func (r *execRecognizer) Partial() string {
	return r.partial
}

func (r *execRecognizer) Final() (string, error) {
	if r.pendingFinal {
		text := r.finalText
		r.finalText = ""
		r.pendingFinal = false
		return text, nil
	}
	reply, err := r.roundTrip(execRequest{Type: "final"})
	if err != nil {
		return "", err
	}
	r.partial = ""
	return reply.Text, nil
}

func (r *execRecognizer) Close() error {
	r.closeOnce.Do(func() {
		_ = r.stdin.Close()
		done := make(chan error, 1)
		go func() { done <- r.cmd.Wait() }()
		select {
		case err := <-done:
			r.closeErr = err
		case <-time.After(2 * time.Second):
			_ = r.cmd.Process.Kill()
			r.closeErr = <-done
		}
	})
	return r.closeErr
}
