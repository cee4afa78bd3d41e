package chat

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	bracketChars  = regexp.MustCompile(`[{}()]`)
	whitespaceRun = regexp.MustCompile(`\s+`)
	unsafeChars   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	underscoreRun = regexp.MustCompile(`_+`)
)

// SanitizeFilename makes name safe to use as the last segment of an object key.
//
//	"My (Report) {final}.pdf" -> "My_Report_final.pdf"
func SanitizeFilename(name string) string {
	s := bracketChars.ReplaceAllString(name, "")
	s = whitespaceRun.ReplaceAllString(s, "_")
	s = unsafeChars.ReplaceAllString(s, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "file"
	}
	return s
}

// ObjectKey places an attachment under its sender and conversation.
func ObjectKey(senderID, conversationID uuid.UUID, at time.Time, filename string) string {
	return fmt.Sprintf("%s/%s/%d-%s", senderID, conversationID, at.UnixMilli(), SanitizeFilename(filename))
}
