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

// Package proxies generates low-resolution proxy copies of transferred video
// files.
package proxies

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deliveryhero/pipeline/v2"
)

// extensions of video files for which proxies are generated
var VideoExtensions = []string{".mp4", ".mov", ".mxf", ".avi", ".braw", ".r3d"}

// returns true if the file at path is a video for which a proxy can be made
func IsVideo(path string) bool {
	return slices.Contains(VideoExtensions, strings.ToLower(filepath.Ext(path)))
}

// A Job describes one proxy to generate.
type Job struct {
	// 0-based position of the job within its batch
	Index int
	// path of the full-resolution file
	Source string
	// path of the proxy to write
	Output string
}

// the outcome of a job
type Result struct {
	Job     Job
	Err     error
	Elapsed time.Duration
	// set if the job was never started because a stop was requested
	Skipped bool
}

// A Generator produces a proxy for a single job.
type Generator interface {
	Generate(ctx context.Context, job Job) error
}

// returns jobs for the video files among the given paths, with outputs named
// <stem>_proxy.mov in outputDir
func Plan(paths []string, outputDir string) []Job {
	jobs := make([]Job, 0)
	taken := make(map[string]bool)
	for _, path := range paths {
		if !IsVideo(path) {
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		name := stem + "_proxy.mov"
		for n := 1; taken[name]; n++ {
			name = fmt.Sprintf("%s_proxy_%d.mov", stem, n)
		}
		taken[name] = true
		jobs = append(jobs, Job{
			Index:  len(jobs),
			Source: path,
			Output: filepath.Join(outputDir, name),
		})
	}
	return jobs
}

// runs the given jobs with up to the given number of concurrent workers,
// calling onDone (if given) as each job finishes. onDone calls are
// serialized. If stopped is given and returns true, jobs not yet started are
// skipped while those in flight run to completion. Returns the results of
// all jobs in job order; jobs not run because the context was canceled carry
// the context's error.
func Run(ctx context.Context, generator Generator, jobs []Job, workers int,
	stopped func() bool, onDone func(done int, result Result)) []Result {
	if workers < 1 {
		workers = 1
	}
	results := make([]Result, len(jobs))
	finished := make([]bool, len(jobs))
	var mu sync.Mutex
	done := 0
	finish := func(result Result) {
		mu.Lock()
		defer mu.Unlock()
		if finished[result.Job.Index] {
			return
		}
		finished[result.Job.Index] = true
		results[result.Job.Index] = result
		done++
		if result.Skipped {
			slog.Debug(fmt.Sprintf("Skipped proxy for %s", result.Job.Source))
		} else if result.Err != nil {
			slog.Warn(fmt.Sprintf("Couldn't generate proxy for %s: %s",
				result.Job.Source, result.Err))
		} else {
			slog.Debug(fmt.Sprintf("Generated proxy %s in %s", result.Job.Output,
				result.Elapsed))
		}
		if onDone != nil {
			onDone(done, result)
		}
	}

	process := func(ctx context.Context, job Job) (Result, error) {
		if stopped != nil && stopped() {
			result := Result{Job: job, Skipped: true}
			finish(result)
			return result, nil
		}
		start := time.Now()
		err := os.MkdirAll(filepath.Dir(job.Output), 0755)
		if err == nil {
			err = generator.Generate(ctx, job)
		}
		if err != nil {
			// partial proxies are not kept
			os.Remove(job.Output)
		}
		result := Result{Job: job, Err: err, Elapsed: time.Since(start)}
		finish(result)
		return result, nil
	}
	cancel := func(job Job, err error) {
		finish(Result{Job: job, Err: err})
	}
	indexed := make([]Job, len(jobs))
	for i, job := range jobs {
		job.Index = i
		indexed[i] = job
	}
	out := pipeline.ProcessConcurrently(ctx, workers,
		pipeline.NewProcessor(process, cancel), pipeline.Emit(indexed...))
	for range out {
	}
	return results
}

// returns the number of jobs skipped after a stop
func SkippedCount(results []Result) int {
	n := 0
	for _, result := range results {
		if result.Skipped {
			n++
		}
	}
	return n
}

// returns the results that failed
func Failures(results []Result) []Result {
	failures := make([]Result, 0)
	for _, result := range results {
		if result.Err != nil {
			failures = append(failures, result)
		}
	}
	return failures
}
