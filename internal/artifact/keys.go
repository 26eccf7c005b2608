package artifact

import (
	"fmt"
	"path"
	"strings"

	"github.com/dgnsrekt/routeshot/internal/capture"
)

// BlobKey turns an artifact key into a filesystem- and object-store-safe
// name. Letters, digits, "-" and "." are kept; "/", ":" and "*" become "_",
// "=" and "+"; every other byte is written as "~XX". Distinct keys always get
// distinct names.
func BlobKey(k capture.Key) string {
	return escape(k.Route) + "@" + escape(k.Viewport)
}

func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			b.WriteByte(c)
		case c == '/':
			b.WriteByte('_')
		case c == ':':
			b.WriteByte('=')
		case c == '*':
			b.WriteByte('+')
		default:
			fmt.Fprintf(&b, "~%02X", c)
		}
	}
	return b.String()
}

func runDir(runID string) string { return path.Join("runs", runID) }
func batchPath(runID string) string { return path.Join(runDir(runID), "batch.json") }
func imagePath(runID, blob string) string { return path.Join(runDir(runID), "images", blob+".png") }
func thumbPath(runID, blob string) string { return path.Join(runDir(runID), "thumbs", blob+".png") }
func sessionPath(id string) string { return path.Join("sessions", id, "manifest.json") }
func archivePath(id string) string { return path.Join("archive", id, "manifest.json") }
