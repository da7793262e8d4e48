package gdal

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Creation options shared by the COG workflows. BIGTIFF=IF_NEEDED keeps
// very large mosaics from tripping the classic TIFF size limit;
// SPARSE_OK skips empty regions.
var cogCreationOptions = []string{
	"-co", "BIGTIFF=IF_NEEDED",
	"-co", "COMPRESS=NONE",
	"-co", "NUM_THREADS=ALL_CPUS",
	"-co", "SPARSE_OK=TRUE",
}

// RunSpec is one transform-engine invocation.
type RunSpec struct {
	Binary     string
	Args       []string
	InputPath  string
	OutputPath string
}

// TranslateCOG re-encodes a raster with a cloud-optimized layout.
func TranslateCOG(inputPath, outputPath string) RunSpec {
	args := []string{inputPath, outputPath, "-of", "COG",
		"-co", "OVERVIEWS=IGNORE_EXISTING",
		"-co", "RESAMPLING=CUBIC",
	}
	args = append(args, cogCreationOptions...)
	return RunSpec{Binary: "gdal_translate", Args: args, InputPath: inputPath, OutputPath: outputPath}
}

// WarpWebMercator reprojects a raster to EPSG:3857 with a cubic kernel,
// producing cloud-optimized output in one pass.
func WarpWebMercator(inputPath, outputPath string) RunSpec {
	args := []string{"-t_srs", "EPSG:3857", "-r", "cubic", "-of", "COG"}
	args = append(args, cogCreationOptions...)
	args = append(args, "-overwrite", inputPath, outputPath)
	return RunSpec{Binary: "gdalwarp", Args: args, InputPath: inputPath, OutputPath: outputPath}
}

// TranslatePreviewPNG downscales a raster to a PNG of the given width,
// proportional height, nearest-neighbour resample.
func TranslatePreviewPNG(inputPath, outputPath string, width int) RunSpec {
	return RunSpec{
		Binary: "gdal_translate",
		Args: []string{
			"-of", "PNG",
			"-r", "nearest",
			"-outsize", strconv.Itoa(width), "0",
			inputPath, outputPath,
		},
		InputPath:  inputPath,
		OutputPath: outputPath,
	}
}

// Engine invokes the GDAL tools as blocking subprocesses. The tools emit
// no machine-readable progress, so while one runs the engine estimates
// progress from the growing output file and elapsed wall time.
type Engine struct {
	log zerolog.Logger

	sampleInterval time.Duration
}

func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log, sampleInterval: 500 * time.Millisecond}
}

// Run executes the described command and blocks until the subprocess exits. While it
// runs, onProgress (optional) receives estimated fractions in [0,1);
// 1 is reported only after a successful exit. On failure the returned
// error carries the tool's stderr.
func (e *Engine) Run(ctx context.Context, spec RunSpec, onProgress func(float64)) error {
	if _, err := os.Stat(spec.OutputPath); err == nil {
		// gdal_translate refuses to overwrite; start clean.
		_ = os.Remove(spec.OutputPath)
	}

	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", spec.Binary, err)
	}

	done := make(chan struct{})
	watcherStopped := make(chan struct{})
	if onProgress != nil {
		go func() {
			defer close(watcherStopped)
			e.watchProgress(ctx, spec, start, onProgress, done)
		}()
	} else {
		close(watcherStopped)
	}

	err := cmd.Wait()
	close(done)
	// The watcher writes job state; wait for it so the final report
	// below never races with a tick.
	<-watcherStopped

	if err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s failed: %s", spec.Binary, msg)
	}

	if onProgress != nil {
		onProgress(1)
	}
	return nil
}

func (e *Engine) watchProgress(ctx context.Context, spec RunSpec, start time.Time, onProgress func(float64), done <-chan struct{}) {
	inputSize := fileSize(spec.InputPath)

	ticker := time.NewTicker(e.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := sizeRatioSignal(fileSize(spec.OutputPath), inputSize)
			if td := timeDecaySignal(time.Since(start)); td > p {
				p = td
			}
			onProgress(p)
		}
	}
}

// sizeRatioSignal estimates progress as output bytes over input bytes,
// clamped just below 1 so only process exit can report completion.
func sizeRatioSignal(outputSize, inputSize int64) float64 {
	if inputSize <= 0 || outputSize <= 0 {
		return 0
	}
	ratio := float64(outputSize) / float64(inputSize)
	if ratio > 0.99 {
		ratio = 0.99
	}
	return ratio
}

// timeDecaySignal approaches but never reaches 1 as wall time grows.
// It keeps the bar moving on transforms whose output stays sparse or
// small relative to the input.
func timeDecaySignal(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	const tau = 90 * time.Second
	return 0.99 * (1 - math.Exp(-float64(elapsed)/float64(tau)))
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
