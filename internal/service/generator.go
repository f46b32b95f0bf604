package service

import (
	"context"
	"strings"

	"productshot/internal/entity"
)

// GenerateRequest 交给生成器的输入
type GenerateRequest struct {
	TaskID      string
	TaskType    entity.TaskType
	InputImages []string
	Params      entity.JSONMap
}

// GeneratedImage 是生成器产出的一张图片。Payload 可以是 http(s) 地址、data URL、
// 裸 base64，或已经持久化过的存储地址。
type GeneratedImage struct {
	Payload   string
	Mode      string
	ModelType string
}

// Generator 产出图片的模型适配层
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]GeneratedImage, error)
}

// PassthroughGenerator 原样返回输入图片，用于本地开发与测试。
type PassthroughGenerator struct{}

func (PassthroughGenerator) Generate(ctx context.Context, req GenerateRequest) ([]GeneratedImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := "default"
	if raw, ok := req.Params["mode"].(string); ok && strings.TrimSpace(raw) != "" {
		mode = strings.TrimSpace(raw)
	}
	out := make([]GeneratedImage, 0, len(req.InputImages))
	for _, input := range req.InputImages {
		out = append(out, GeneratedImage{Payload: input, Mode: mode, ModelType: string(req.TaskType)})
	}
	return out, nil
}
