// Package deident implements the de-identification executor (§4.E): the
// dual-path (standard / streaming) script application, and the pre-write
// verification gate that must block any output on failure.
package deident

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/imagingproto"
	"github.com/dicomgw/gateway/internal/script"
	"github.com/dicomgw/gateway/internal/validation"
)

// StreamingThresholdBytes is the input size at or above which the streaming
// path is used instead of the standard in-memory path.
const StreamingThresholdBytes = 2 << 30 // 2 GiB

// copyWindowBytes is the size of the buffer each read/write of pixel data
// goes through on the streaming path.
const copyWindowBytes = 64 << 20 // 64 MiB

// Options configures one Execute call.
type Options struct {
	Salt              string // broker name, or "" for the process-wide default
	Hasher            script.UIDHasher
	ExpectedShiftDays int
	Checks            Checks
}

// Executor runs anonymization scripts against stored instances using a
// pluggable wire codec.
type Executor struct {
	codec  imagingproto.Codec
	logger *zap.SugaredLogger
}

// New constructs an Executor bound to codec.
func New(codec imagingproto.Codec, logger *zap.SugaredLogger) *Executor {
	return &Executor{codec: codec, logger: logger}
}

// Result describes one successful Execute call.
type Result struct {
	OutputPath   string
	Path         string // "standard" or "streaming"
	Verification *validation.Result
}

// Execute applies sc to the instance at inputPath and writes the anonymized
// output to outputPath, choosing the standard or streaming path by input
// size. It returns VerificationFailed (wrapping per-check diagnostics) and
// writes nothing if the pre-write verification gate fails.
func (e *Executor) Execute(sc *script.Script, inputPath, outputPath string, opts Options) (*Result, error) {
	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", inputPath, err)
	}

	if info.Size() >= StreamingThresholdBytes {
		return e.executeStreaming(sc, inputPath, outputPath, opts)
	}
	return e.executeStandard(sc, inputPath, outputPath, opts)
}

func (e *Executor) executeStandard(sc *script.Script, inputPath, outputPath string, opts Options) (*Result, error) {
	original, err := e.codec.DecodeFile(inputPath)
	if err != nil {
		return nil, entity.NewGatewayError(entity.KindStorageFailure, "reading original for verification snapshot", err)
	}
	working, err := e.codec.DecodeFile(inputPath)
	if err != nil {
		return nil, entity.NewGatewayError(entity.KindStorageFailure, "reading input for anonymization", err)
	}

	if err := script.Execute(sc, working.Attributes, opts.Salt, opts.Hasher); err != nil {
		return nil, err
	}

	verification := Verify(original.Attributes, working.Attributes, opts.ExpectedShiftDays, opts.Checks, sc.Expect().Removed)
	if verification.HasErrors() {
		return nil, entity.NewGatewayError(entity.KindVerificationFailed, "pre-write verification failed", nil).
			WithDiagnostics(verification.Summary())
	}

	if err := e.codec.EncodeFile(outputPath, working.Attributes); err != nil {
		return nil, entity.NewGatewayError(entity.KindStorageFailure, "writing anonymized output", err)
	}

	return &Result{OutputPath: outputPath, Path: "standard", Verification: verification}, nil
}

func (e *Executor) executeStreaming(sc *script.Script, inputPath, outputPath string, opts Options) (*Result, error) {
	originalHeader, err := e.codec.DecodeHeader(inputPath)
	if err != nil {
		return nil, entity.NewGatewayError(entity.KindStorageFailure, "reading header for verification snapshot", err)
	}
	workingHeader, err := e.codec.DecodeHeader(inputPath)
	if err != nil {
		return nil, entity.NewGatewayError(entity.KindStorageFailure, "reading header for anonymization", err)
	}

	if err := script.Execute(sc, workingHeader.Attributes, opts.Salt, opts.Hasher); err != nil {
		return nil, err
	}

	// Streaming-path verification is limited to header-scope checks; date
	// shift and identifier checks still apply, UID checks too since UIDs
	// live in the header.
	verification := Verify(originalHeader.Attributes, workingHeader.Attributes, opts.ExpectedShiftDays, opts.Checks, sc.Expect().Removed)
	if verification.HasErrors() {
		return nil, entity.NewGatewayError(entity.KindVerificationFailed, "pre-write verification failed (streaming path)", nil).
			WithDiagnostics(verification.Summary())
	}

	tmpOut := outputPath + ".tmp"
	headerBytes, err := e.codec.EncodeHeader(tmpOut, workingHeader.Attributes)
	if err != nil {
		return nil, entity.NewGatewayError(entity.KindStorageFailure, "writing anonymized header", err)
	}

	inputSize, err := appendPixelTail(inputPath, tmpOut, workingHeader.PixelDataOffset)
	if err != nil {
		os.Remove(tmpOut)
		return nil, entity.NewGatewayError(entity.KindStorageFailure, "copying pixel-data tail", err)
	}

	outInfo, err := os.Stat(tmpOut)
	if err != nil {
		os.Remove(tmpOut)
		return nil, entity.NewGatewayError(entity.KindStorageFailure, "stat output before rename", err)
	}
	if !withinTenPercent(outInfo.Size(), inputSize) {
		e.logger.Warnw("streaming de-id output size deviates more than 10% from input",
			"input_bytes", inputSize, "output_bytes", outInfo.Size(), "header_bytes", headerBytes)
	}

	if err := os.Rename(tmpOut, outputPath); err != nil {
		os.Remove(tmpOut)
		return nil, entity.NewGatewayError(entity.KindStorageFailure, "renaming streamed output into place", err)
	}

	return &Result{OutputPath: outputPath, Path: "streaming", Verification: verification}, nil
}

// appendPixelTail copies inputPath's bytes from pixelOffset through EOF onto
// the end of the file already at outPath, in bounded windows so pixel data
// never enters the heap as a single large buffer, and returns the input's
// total size for the 10%-deviation check.
func appendPixelTail(inputPath, outPath string, pixelOffset int64) (int64, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	inInfo, err := in.Stat()
	if err != nil {
		return 0, err
	}

	if _, err := in.Seek(pixelOffset, io.SeekStart); err != nil {
		return 0, err
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	buf := make([]byte, copyWindowBytes)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return 0, writeErr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, readErr
		}
	}

	if err := out.Sync(); err != nil {
		return 0, err
	}
	return inInfo.Size(), nil
}

func withinTenPercent(output, input int64) bool {
	if input == 0 {
		return output == 0
	}
	diff := output - input
	if diff < 0 {
		diff = -diff
	}
	return float64(diff)/float64(input) <= 0.10
}
