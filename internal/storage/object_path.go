package storage

import (
	"errors"
	"mime"
	"path"
	"strings"
)

var errEmptyPayload = errors.New("empty payload")

func sanitizePathSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	builder.Grow(len(value))
	for i := 0; i < len(value); i++ {
		ch := value[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			builder.WriteByte(ch)
		case ch >= 'A' && ch <= 'Z':
			builder.WriteByte(ch + 32)
		case ch == '-', ch == '_':
			builder.WriteByte(ch)
		}
	}
	return builder.String()
}

func normalizeExtension(ext string) string {
	trimmed := sanitizePathSegment(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if trimmed == "" {
		return "bin"
	}
	return trimmed
}

// objectKey 生成 category/owner/name.ext 形式的对象键
func objectKey(prefix string, obj Object) (string, error) {
	name := strings.Trim(sanitizePathSegment(strings.ReplaceAll(obj.Name, " ", "-")), "-_")
	if name == "" {
		return "", errors.New("object name is empty")
	}
	category := sanitizePathSegment(obj.Category)
	if category == "" {
		category = "misc"
	}
	parts := []string{category}
	if owner := sanitizePathSegment(obj.Owner); owner != "" {
		parts = append(parts, owner)
	}
	parts = append(parts, name+"."+normalizeExtension(obj.Extension))
	key := path.Join(parts...)

	if clean := strings.Trim(strings.TrimSpace(prefix), "/"); clean != "" {
		key = path.Join(clean, key)
	}
	return key, nil
}

func detectContentType(ext string) string {
	typeName := mime.TypeByExtension("." + normalizeExtension(ext))
	if typeName == "" {
		return "application/octet-stream"
	}
	return typeName
}

func trimPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

// publicURL 将对象键拼接到公开访问地址上
func publicURL(base, key string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return key
	}
	return base + "/" + strings.TrimLeft(key, "/")
}

// SanitizeToken lowercases the provided token and keeps alphanumeric, dash, and underscore characters only.
func SanitizeToken(value string) string {
	return sanitizePathSegment(value)
}
