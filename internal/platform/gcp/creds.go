package gcp

import (
	"strings"

	"google.golang.org/api/option"

	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
)

// credentialsFromEnv returns the first configured credential: inline JSON or a
// file path. Document AI may carry its own service account.
func credentialsFromEnv(keys ...string) string {
	keys = append(keys, "GOOGLE_APPLICATION_CREDENTIALS_JSON", "GOOGLE_APPLICATION_CREDENTIALS")
	for _, k := range keys {
		if v := strings.TrimSpace(envutil.String(k, "")); v != "" {
			return v
		}
	}
	return ""
}

func ClientOptionsFromEnv(keys ...string) []option.ClientOption {
	return credentialOptions(credentialsFromEnv(keys...))
}

// HasCredentials reports whether any explicit GCP credential is configured.
func HasCredentials(keys ...string) bool {
	return credentialsFromEnv(keys...) != ""
}

func credentialOptions(creds string) []option.ClientOption {
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "\u00a0", " ")), " ")
}

// OCRResult is the common shape returned by the Vision and Document AI wrappers.
type OCRResult struct {
	Provider   string  `json:"provider"`
	MimeType   string  `json:"mime_type,omitempty"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Pages      int     `json:"pages"`
}
