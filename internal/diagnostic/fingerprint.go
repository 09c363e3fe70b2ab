package diagnostic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	pythonErrorRe   = regexp.MustCompile(`(\w+Error|\w+Exception):\s*(.+)`)
	pythonFileLnRe  = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
	jsErrorRe       = regexp.MustCompile(`(TypeError|ReferenceError|SyntaxError|Error):\s*(.+)`)
	jsFileLnRe      = regexp.MustCompile(`at\s+.+\(([^:]+):(\d+):\d+\)`)
	goFileLnRe      = regexp.MustCompile(`([^\s]+\.go):(\d+)`)
	rustErrorRe     = regexp.MustCompile(`error\[E\d+\]:\s*(.+)`)
	rustFileLnRe    = regexp.MustCompile(`-->\s*([^:]+):(\d+):\d+`)
	normalizeNumRe  = regexp.MustCompile(`\d+`)
	normalizeHexRe  = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

// Fingerprint parses an error string (and optional stack trace) for
// language, error type, and location, trying Python, JS/TS, Go, and Rust
// patterns in that order (spec.md §4.12 "Fingerprinting").
func Fingerprint(errorText, stackTrace string) ErrorFingerprint {
	fp := ErrorFingerprint{Language: "unknown"}
	combined := errorText
	if stackTrace != "" {
		combined = errorText + "\n" + stackTrace
	}

	if m := pythonErrorRe.FindStringSubmatch(combined); m != nil {
		fp.Language = "python"
		fp.ErrorType = m[1]
		fp.MessageTemplate = normalizeMessage(m[2])
	}
	if m := pythonFileLnRe.FindStringSubmatch(combined); m != nil {
		fp.File = m[1]
		fp.Line = atoi(m[2])
	}

	if fp.ErrorType == "" {
		if m := jsErrorRe.FindStringSubmatch(combined); m != nil {
			fp.Language = "javascript"
			fp.ErrorType = m[1]
			fp.MessageTemplate = normalizeMessage(m[2])
		}
		if m := jsFileLnRe.FindStringSubmatch(combined); m != nil {
			fp.File = m[1]
			fp.Line = atoi(m[2])
		}
	}

	if fp.File == "" {
		if m := goFileLnRe.FindStringSubmatch(combined); m != nil {
			fp.Language = "go"
			fp.File = m[1]
			fp.Line = atoi(m[2])
		}
	}

	if fp.ErrorType == "" {
		if m := rustErrorRe.FindStringSubmatch(combined); m != nil {
			fp.Language = "rust"
			fp.ErrorType = "RustError"
			fp.MessageTemplate = normalizeMessage(m[1])
		}
		if m := rustFileLnRe.FindStringSubmatch(combined); m != nil {
			fp.File = m[1]
			fp.Line = atoi(m[2])
		}
	}

	if fp.ErrorType == "" {
		fp.MessageTemplate = normalizeMessage(errorText)
	}

	fp.Hash = hashFingerprint(fp)
	return fp
}

// normalizeMessage strips numeric literals and hex addresses from an error
// message so that otherwise-identical recurring errors collapse to the same
// template regardless of the specific values involved.
func normalizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	msg = normalizeHexRe.ReplaceAllString(msg, "<hex>")
	msg = normalizeNumRe.ReplaceAllString(msg, "<n>")
	return msg
}

func hashFingerprint(fp ErrorFingerprint) string {
	key := strings.Join([]string{fp.Language, fp.ErrorType, fp.MessageTemplate, fp.File, strconv.Itoa(fp.Line)}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// String renders a fingerprint for logging.
func (fp ErrorFingerprint) String() string {
	if fp.File != "" && fp.Line > 0 {
		return fmt.Sprintf("%s at %s:%d (%s)", fp.ErrorType, fp.File, fp.Line, fp.Hash)
	}
	return fmt.Sprintf("%s (%s)", fp.ErrorType, fp.Hash)
}
