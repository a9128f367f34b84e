package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints the error box used by every command.
// logs is the captured worker output, if any.
func ShowError(w io.Writer, context string, err error, logs string) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 BIOMATCH ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}
	if logs != "" {
		fmt.Fprintf(w, "\nPYTHON CRASH LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// Die prints the error box to stderr and exits with status 1.
func Die(context string, err error, logs string) {
	ShowError(os.Stderr, context, err, logs)
	os.Exit(1)
}

// --- 2. Media identity ---

// GenerateMediaID creates a deterministic hash for a media file
// based on its path, size, and modification time.
func GenerateMediaID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	hash := mediaHash(path, info)
	return hex.EncodeToString(hash[:]), nil
}

// MediaID64 folds the media hash into a gallery id.
func MediaID64(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	hash := mediaHash(path, info)
	return binary.BigEndian.Uint64(hash[:8]), nil
}

func mediaHash(path string, info os.FileInfo) [32]byte {
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	return sha256.Sum256([]byte(input))
}
