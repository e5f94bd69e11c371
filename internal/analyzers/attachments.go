package analyzers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/ignite/ices-pipeline/internal/models"
)

func init() {
	Register(30, "attachment_check", func(*Deps) Analyzer { return &attachmentAnalyzer{} })
}

var dangerousExtensions = []string{
	".exe", ".scr", ".pif", ".com", ".bat", ".cmd", ".msi", ".msp",
	".js", ".jse", ".vbs", ".vbe", ".wsf", ".wsh", ".ps1", ".psm1",
	".docm", ".xlsm", ".pptm", ".dotm", ".xltm",
	".iso", ".img", ".vhd", ".vhdx",
	".dll", ".sys", ".drv", ".cpl", ".inf", ".reg", ".lnk", ".hta",
}

// Extensions that matter when hidden behind another one, as in
// "invoice.pdf.exe".
var doubleExtensionTrap = map[string]bool{
	".exe": true, ".scr": true, ".bat": true, ".cmd": true,
	".js": true, ".vbs": true, ".ps1": true,
}

// attachmentAnalyzer checks attachments for dangerous file types and
// delivery patterns.
//
// Observations produced:
//
//	attachment_count      (numeric) total attachments
//	dangerous_extensions  (text)    comma-separated dangerous exts found
//	double_extensions     (text)    comma-separated filenames with double exts
//	encrypted_attachments (numeric) count of password-protected attachments
//	small_executables     (numeric) count of suspiciously small executables
//	file_hashes           (text)    comma-separated SHA-256 hashes
type attachmentAnalyzer struct{}

func (a *attachmentAnalyzer) Name() string { return "attachment_check" }

func (a *attachmentAnalyzer) Description() string {
	return "Detects dangerous file types, double extensions, and suspicious archives"
}

func (a *attachmentAnalyzer) Analyze(_ context.Context, email *models.EmailEvent) ([]models.Observation, error) {
	observations := []models.Observation{
		models.NumericInt("attachment_count", len(email.Attachments)),
	}
	if len(email.Attachments) == 0 {
		return observations, nil
	}

	var dangerousExts []string
	var doubleExts []string
	encryptedCount := 0
	smallExes := 0
	var fileHashes []string

	for _, attachment := range email.Attachments {
		name := strings.ToLower(attachment.Name)

		for _, ext := range dangerousExtensions {
			if strings.HasSuffix(name, ext) {
				dangerousExts = append(dangerousExts, ext)
				break
			}
		}

		// Two or more dots with a trap extension at the end is the
		// classic "invoice.pdf.exe" disguise.
		if strings.Count(name, ".") >= 2 {
			realExt := name[strings.LastIndex(name, "."):]
			if doubleExtensionTrap[realExt] {
				doubleExts = append(doubleExts, attachment.Name)
			}
		}

		// Hash whatever content the ingester kept; undecodable content
		// is skipped rather than failing the attachment.
		if attachment.ContentBytes != "" {
			if fileBytes, err := base64.StdEncoding.DecodeString(attachment.ContentBytes); err == nil {
				sum := sha256.Sum256(fileBytes)
				fileHashes = append(fileHashes, hex.EncodeToString(sum[:]))
			}
		}

		ct := strings.ToLower(attachment.ContentType)
		if strings.Contains(ct, "encrypted") || strings.Contains(ct, "password") {
			encryptedCount++
		}

		if strings.HasSuffix(name, ".exe") || strings.HasSuffix(name, ".scr") || strings.HasSuffix(name, ".dll") {
			if attachment.Size < 50_000 {
				smallExes++
			}
		}
	}

	if len(dangerousExts) > 0 {
		observations = append(observations, models.Text("dangerous_extensions", strings.Join(dangerousExts, ",")))
	}
	if len(doubleExts) > 0 {
		observations = append(observations, models.Text("double_extensions", strings.Join(doubleExts, ",")))
	}
	if encryptedCount > 0 {
		observations = append(observations, models.NumericInt("encrypted_attachments", encryptedCount))
	}
	if smallExes > 0 {
		observations = append(observations, models.NumericInt("small_executables", smallExes))
	}
	if len(fileHashes) > 0 {
		observations = append(observations, models.Text("file_hashes", strings.Join(fileHashes, ",")))
	}

	return observations, nil
}
