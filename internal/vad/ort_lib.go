//go:build silero

package vad

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// resolveORTLibPath returns the ONNX Runtime shared library path. An
// explicit path wins; otherwise lib/<goos>-<goarch>/ is searched next to the
// executable and one directory up (bin/ layout).
func resolveORTLibPath(explicit string) (string, error) {
	if explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", fmt.Errorf("ort: ORT_LIB_PATH=%q does not exist", explicit)
		}
		if info.IsDir() {
			return "", fmt.Errorf("ort: ORT_LIB_PATH=%q is a directory, expected a file", explicit)
		}
		return explicit, nil
	}

	filename := ortLibFilename()
	platform := runtime.GOOS + "-" + runtime.GOARCH
	candidates := []string{
		filepath.Join("lib", platform, filename),
		filepath.Join("..", "lib", platform, filename),
	}
	if exePath, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exePath)
		for _, rel := range candidates {
			path := filepath.Join(exeDir, rel)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("ort: shared library not found; searched lib/%s/%s relative to executable (set ORT_LIB_PATH to override)", platform, filename)
}

func ortLibFilename() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}
