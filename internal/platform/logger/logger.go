package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	redacted = "[REDACTED]"
	// defaultMaxText keeps a log line to roughly one gazette paragraph.
	defaultMaxText = 240
)

// Logger is a sugared zap logger that scrubs catalog credentials and trims
// page text before anything reaches the sink.
type Logger struct {
	z      *zap.SugaredLogger
	policy policy
}

// policy decides what a key/value pair looks like once logged.
type policy struct {
	redact  bool
	salt    string
	maxText int
}

func policyFromEnv() policy {
	p := policy{redact: true, maxText: defaultMaxText}
	switch strings.TrimSpace(strings.ToLower(os.Getenv("LOG_REDACTION_ENABLED"))) {
	case "0", "false", "no", "off":
		p.redact = false
	}
	p.salt = strings.TrimSpace(os.Getenv("LOG_HASH_SALT"))
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("LOG_MAX_TEXT_CHARS"))); err == nil && n > 0 {
		p.maxText = n
	}
	return p
}

// New builds a zap-backed logger. "test" mode only emits warnings and above.
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(levelFromEnv(zapcore.InfoLevel))
	case "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(levelFromEnv(zapcore.DebugLevel))
	}
	cfg.InitialFields = map[string]interface{}{"app": "gazette-ingest"}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: zl.Sugar(), policy: policyFromEnv()}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop().Sugar(), policy: policy{redact: true, maxText: defaultMaxText}}
}

func levelFromEnv(def zapcore.Level) zapcore.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw == "" {
		return def
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
		return def
	}
	return lvl
}

func (l *Logger) Sync() { _ = l.z.Sync() }

func (l *Logger) Debug(msg string, kv ...interface{}) { l.z.Debugw(msg, l.policy.apply(kv)...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.z.Infow(msg, l.policy.apply(kv)...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.z.Warnw(msg, l.policy.apply(kv)...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.z.Errorw(msg, l.policy.apply(kv)...) }

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{z: l.z.With(l.policy.apply(kv)...), policy: l.policy}
}

func (p policy) apply(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		out = append(out, kv[i], p.value(normKey(kv[i]), kv[i+1]))
	}
	return out
}

func (p policy) value(key string, val interface{}) interface{} {
	if key == "" {
		return val
	}
	// Raw page bytes are logged by size only.
	if b, ok := val.([]byte); ok {
		return fmt.Sprintf("<%d bytes>", len(b))
	}
	if isTextKey(key) {
		return p.clip(val)
	}
	if !p.redact {
		return val
	}
	switch {
	case isSecretKey(key):
		return redacted
	case isAccountKey(key):
		return p.hash(val)
	}
	if m, ok := val.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = p.value(normKey(k), v)
		}
		return out
	}
	return val
}

// clip shortens extracted page text so a single record can't flood the log.
func (p policy) clip(val interface{}) interface{} {
	var s string
	switch t := val.(type) {
	case string:
		s = t
	case *string:
		if t == nil {
			return val
		}
		s = *t
	default:
		return val
	}
	n := utf8.RuneCountInString(s)
	if p.maxText <= 0 || n <= p.maxText {
		return s
	}
	r := []rune(s)
	return fmt.Sprintf("%s… (%d chars)", string(r[:p.maxText]), n)
}

func (p policy) hash(val interface{}) string {
	raw := toString(val)
	if raw == "" {
		return ""
	}
	h := sha256.New()
	if p.salt != "" {
		_, _ = h.Write([]byte(p.salt))
	}
	_, _ = h.Write([]byte(raw))
	return "hash:" + hex.EncodeToString(h.Sum(nil))[:12]
}

func isSecretKey(key string) bool {
	for _, s := range []string{"token", "authorization", "password", "secret", "cookie", "api_key", "apikey", "credentials"} {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// Catalog account names are correlated, never printed.
func isAccountKey(key string) bool {
	return key == "username" || strings.HasSuffix(key, "_username")
}

func isTextKey(key string) bool {
	switch key {
	case "body", "text", "page_text", "raw_text", "sample":
		return true
	}
	return false
}

func normKey(k interface{}) string { return strings.ToLower(strings.TrimSpace(toString(k))) }

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
