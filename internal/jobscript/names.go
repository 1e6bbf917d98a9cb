package jobscript

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// Outputs are the files a pair of jobs produces for one slide.
type Outputs struct {
	Base          string
	SegAnnotation string
	PPCAnnotation string
	LabelImage    string
}

// BaseName is the slide file name without its last extension.
func BaseName(localPath string) string {
	name := filepath.Base(localPath)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func DeriveOutputs(localPath, outputDir string) Outputs {
	base := BaseName(localPath)
	return Outputs{
		Base:          base,
		SegAnnotation: filepath.Join(outputDir, base+".anot"),
		PPCAnnotation: filepath.Join(outputDir, base+"-ppc.anot"),
		LabelImage:    filepath.Join(outputDir, base+".tiff"),
	}
}

// JobName derives a scheduler-safe name from the slide base name plus a short
// digest of the full local path, so equal base names in different
// directories never share scripts or logs.
func JobName(prefix, localPath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(localPath)))
	return sanitize(prefix) + "_" + sanitize(BaseName(localPath)) + "_" + hex.EncodeToString(sum[:4])
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "image"
	}
	return b.String()
}
