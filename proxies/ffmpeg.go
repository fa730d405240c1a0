// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package proxies

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// proxy frame size
const ProxyWidth, ProxyHeight = 1024, 540

// FFmpeg generates ProRes Proxy files with an external ffmpeg executable.
type FFmpeg struct {
	// path to (or name of) the ffmpeg executable
	Path string
	// optional image overlaid on each proxy
	Watermark string
}

// returns an FFmpeg generator, or a ToolNotFoundError if the executable
// can't be found
func NewFFmpeg(path, watermark string) (*FFmpeg, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, &ToolNotFoundError{Tool: path, Err: err}
	}
	return &FFmpeg{Path: resolved, Watermark: watermark}, nil
}

// returns the ffmpeg arguments for the given job
func (f FFmpeg) Args(job Job) []string {
	scale := fmt.Sprintf("scale=%d:%d", ProxyWidth, ProxyHeight)
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", job.Source}
	watermark := f.Watermark
	if watermark != "" {
		if _, err := os.Stat(watermark); err != nil {
			slog.Warn(fmt.Sprintf("Watermark file not found: %s", watermark))
			watermark = ""
		}
	}
	if watermark != "" {
		args = append(args, "-i", watermark,
			"-filter_complex",
			fmt.Sprintf("[0:v]%s[base];[base][1:v]overlay=150:main_h-overlay_h-150[v]", scale),
			"-map", "[v]")
	} else {
		args = append(args, "-map", "0:v", "-vf", scale)
	}
	args = append(args,
		"-map", "0:a?",
		"-c:v", "prores_ks",
		"-profile:v", "0",
		"-c:a", "pcm_s16le",
		job.Output)
	return args
}

func (f FFmpeg) Generate(ctx context.Context, job Job) error {
	cmd := exec.CommandContext(ctx, f.Path, f.Args(job)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	slog.Debug(fmt.Sprintf("Running %s %s", f.Path, strings.Join(f.Args(job), " ")))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &GenerationError{
				Source: job.Source,
				Output: strings.TrimSpace(stderr.String()),
				Err:    err,
			}
		}
		return &GenerationError{Source: job.Source, Err: err}
	}
	return nil
}
