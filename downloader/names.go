package downloader

import (
	"fmt"
	"regexp"
	"strings"
)

var illegalChars = regexp.MustCompile(`[\\/:*?"<>|]`)

// sanitizeFilename replaces characters that are illegal in file names and
// caps the length, keeping the extension
func sanitizeFilename(filename string) string {
	sanitized := illegalChars.ReplaceAllString(filename, "_")
	sanitized = strings.ReplaceAll(sanitized, " ", "_")

	if len(sanitized) > 100 {
		ext := ""
		if idx := strings.LastIndex(sanitized, "."); idx > len(sanitized)-8 && idx > 0 {
			ext = sanitized[idx:]
		}
		sanitized = sanitized[:100-len(ext)] + ext
	}
	return sanitized
}

// EpisodeName is the merged file name for the n-th captured manifest
func EpisodeName(n int) string {
	return fmt.Sprintf("%02d.ts", n)
}
