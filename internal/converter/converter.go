// Package converter turns input documents into PDF artifacts by invoking
// an external tool.
package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"docbatch/internal/model"
)

// ErrTimeout is returned when the conversion did not finish before the
// context deadline.
var ErrTimeout = errors.New("conversion timeout")

// ConversionError describes a conversion that ran and failed, or whose
// input or output could not be found.
type ConversionError struct {
	Message string
}

func (e *ConversionError) Error() string { return e.Message }

// Converter converts the file at input and writes the artifact into outDir,
// returning the artifact path.
type Converter interface {
	Name() string
	Convert(ctx context.Context, input, outDir string) (string, error)
}

// Func adapts a function to the Converter interface.
type Func func(ctx context.Context, input, outDir string) (string, error)

func (f Func) Name() string { return "func" }

func (f Func) Convert(ctx context.Context, input, outDir string) (string, error) {
	return f(ctx, input, outDir)
}

// LibreOffice converts documents with a headless LibreOffice (soffice).
type LibreOffice struct {
	binary string
}

// NewLibreOffice creates a converter that runs the given binary
// ("libreoffice" or "soffice" are typical).
func NewLibreOffice(binary string) *LibreOffice {
	if binary == "" {
		binary = "libreoffice"
	}
	return &LibreOffice{binary: binary}
}

func (l *LibreOffice) Name() string {
	return "libreoffice"
}

// Convert runs a single headless conversion. The caller bounds it with a
// context deadline; hitting the deadline yields ErrTimeout.
func (l *LibreOffice) Convert(ctx context.Context, input, outDir string) (string, error) {
	absIn, err := filepath.Abs(input)
	if err != nil {
		return "", &ConversionError{Message: fmt.Sprintf("resolve input path: %v", err)}
	}
	if _, err := os.Stat(absIn); err != nil {
		return "", &ConversionError{Message: fmt.Sprintf("input file not found at %s", input)}
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return "", &ConversionError{Message: fmt.Sprintf("resolve output dir: %v", err)}
	}

	if _, err := exec.LookPath(l.binary); err != nil {
		return "", &ConversionError{Message: fmt.Sprintf("%s not found in PATH: %v", l.binary, err)}
	}

	// Concurrent soffice processes sharing one profile block each other,
	// so every conversion gets a throwaway profile directory.
	profile, err := os.MkdirTemp("", "docbatch-lo-*")
	if err != nil {
		return "", &ConversionError{Message: fmt.Sprintf("create profile dir: %v", err)}
	}
	defer os.RemoveAll(profile)

	args := []string{
		"-env:UserInstallation=file://" + filepath.ToSlash(profile),
		"--headless",
		"--convert-to", "pdf",
		"--outdir", absOut,
		absIn,
	}
	cmd := exec.CommandContext(ctx, l.binary, args...)
	cmd.WaitDelay = 5 * time.Second

	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", ErrTimeout
	}
	if err != nil {
		return "", &ConversionError{Message: fmt.Sprintf("libreoffice conversion failed: %v: %s", err, strings.TrimSpace(string(out)))}
	}

	output := filepath.Join(absOut, model.OutputName(filepath.Base(absIn)))
	if err := VerifyOutput(output); err != nil {
		return "", err
	}
	return output, nil
}

// VerifyOutput checks that a converted artifact exists and is not empty.
func VerifyOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ConversionError{Message: "conversion failed: output PDF not created"}
	}
	if info.IsDir() || info.Size() == 0 {
		return &ConversionError{Message: "conversion failed: output PDF is empty"}
	}
	return nil
}
