// Package hashutil computes the content-address fingerprints the hash
// cache keys on: file/directory hashes for task inputs and outputs, a
// command/argument hash, and the combined input fingerprint used to
// decide whether a task can be skipped.
package hashutil

import (
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// HashFile streams f's contents into hasher's running state in fixed
// blocks; the block size has no effect on the resulting digest.
func HashFile(path string, hasher io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(hasher, f)
	return err
}

// ExpandDirs resolves every directory in files into the files it
// contains (recursively), dropping entries that don't exist on disk.
// A missing path is logged and skipped rather than treated as fatal:
// a stale input reference shouldn't block the whole hash.
func ExpandDirs(files []string, logger *zap.Logger) []string {
	var out []string
	for _, f := range files {
		expanded, err := expandUser(f)
		if err != nil {
			expanded = f
		}
		info, err := os.Stat(expanded)
		if err != nil {
			if logger != nil {
				logger.Warn("requested hash of file not found", zap.String("path", expanded))
			}
			continue
		}
		if info.IsDir() {
			out = append(out, expandDir(expanded)...)
		} else {
			out = append(out, expanded)
		}
	}
	return out
}

func expandDir(dir string) []string {
	var files []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files
}

func expandUser(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path, err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// HashFiles hashes every file named in files, expanding directories
// first and visiting files in a stable sorted order so the digest is
// reproducible across runs regardless of the input slice's order.
func HashFiles(files []string, logger *zap.Logger) string {
	hasher := sha1.New() //nolint:gosec
	expanded := ExpandDirs(files, logger)
	sort.Strings(expanded)
	for _, f := range expanded {
		if err := HashFile(f, hasher); err != nil {
			if logger != nil {
				logger.Warn("failed to hash file", zap.String("path", f), zap.Error(err))
			}
		}
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashArgs hashes a task's command and argument list, the way two
// otherwise-identical tasks that are invoked differently are made to
// produce distinct input fingerprints.
func HashArgs(command, args []string) string {
	hasher := sha1.New() //nolint:gosec
	for _, part := range command {
		hasher.Write([]byte(part))
	}
	for _, part := range args {
		hasher.Write([]byte(part))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashOutputs hashes a task's declared output files, keyed by output
// name, producing a single digest over the whole sorted output set so
// that reordering output keys doesn't change the result. The key names
// are part of the hashed JSON, so renaming a key does change it.
func HashOutputs(outputs map[string][]string, logger *zap.Logger) (string, error) {
	perOutput := make(map[string]string, len(outputs))
	for name, files := range outputs {
		perOutput[name] = HashFiles(files, logger)
	}
	ordered, err := json.Marshal(orderedMap(perOutput))
	if err != nil {
		return "", err
	}
	hasher := sha1.New() //nolint:gosec
	hasher.Write(ordered)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// orderedMap returns m unchanged: encoding/json already sorts
// map[string]string keys, so m's JSON form is deterministic as is.
// This exists to keep the intent explicit at the call site and to
// give HashOutputs a single place to change if the key type ever
// widens beyond strings.
func orderedMap(m map[string]string) map[string]string {
	return m
}

// HashInputs combines a task's argument hash, its container image
// digest (supplied by the caller, since only the task manager can
// probe it), and the hash of its declared input files into the single
// fingerprint the hash cache keys a task's cached result on.
func HashInputs(command, args []string, containerHash string, inputs []string, logger *zap.Logger) string {
	argHash := HashArgs(command, args)
	var inputHash string
	if inputs != nil {
		inputHash = HashFiles(inputs, logger)
	}
	hasher := sha1.New() //nolint:gosec
	hasher.Write([]byte(argHash))
	hasher.Write([]byte(containerHash))
	hasher.Write([]byte(inputHash))
	return hex.EncodeToString(hasher.Sum(nil))
}
