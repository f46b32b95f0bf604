package api

import (
	"strings"

	"productshot/internal/storage"

	"github.com/gin-gonic/gin"
)

// mountLocalFiles 本地存储时以静态路由提供生成图片
func (h *HTTPHandler) mountLocalFiles(r *gin.Engine) {
	localProvider, ok := h.storage.(storage.LocalBaseDirProvider)
	if !ok {
		return
	}
	prefix := normalisePublicBase(h.cfg.StoragePublicBaseURL)
	if strings.HasPrefix(prefix, "http://") || strings.HasPrefix(prefix, "https://") {
		return
	}
	r.Static(prefix, localProvider.LocalBaseDir())
}

// normalisePublicBase 规范化公共 URL 基础路径
func normalisePublicBase(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = "/files"
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return strings.TrimRight(trimmed, "/")
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}
