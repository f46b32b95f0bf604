package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"productshot/internal/client/remote"
	"productshot/internal/entity"
	"productshot/internal/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "成功", err: nil, want: 0},
		{name: "未登录", err: fmt.Errorf("list: %w", errs.ErrUnauthorized), want: 3},
		{name: "服务端 401", err: &remote.Error{Status: 401, Code: "ERR_UNAUTHORIZED"}, want: 3},
		{name: "额度用尽", err: &remote.Error{Status: 402, Code: "ERR_QUOTA_EXHAUSTED"}, want: 4},
		{name: "网络错误", err: fmt.Errorf("dial: %w", errs.ErrTransport), want: 5},
		{name: "服务端 503", err: &remote.Error{Status: 503}, want: 5},
		{name: "服务端拒绝", err: fmt.Errorf("favorite: %w", &remote.Error{Status: 409, Code: "ERR_CONFLICT"}), want: 6},
		{name: "本地错误", err: errors.New("boom"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestDescribeAddsHints(t *testing.T) {
	assert.Contains(t, describe(errs.ErrUnauthorized), "productshot login")
	assert.Contains(t, describe(&remote.Error{Status: 402}), "apply-quota")
	assert.Contains(t, describe(fmt.Errorf("sync: %w", errs.ErrTransport)), "offline")
	assert.NotContains(t, describe(&remote.Error{Status: 502}), "offline", "the server answered")
	assert.Equal(t, "boom", describe(errors.New("boom")))
}

func TestParseParams(t *testing.T) {
	got, err := parseParams(" style = studio, background=white ,")
	require.NoError(t, err)
	assert.Equal(t, entity.JSONMap{"style": "studio", "background": "white"}, got)

	got, err = parseParams("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseParams("style")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = parseParams("=studio")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a.png", "b.png"}, splitList(" a.png,, b.png "))
	assert.Nil(t, splitList(" , "))
}

func TestTokenFile(t *testing.T) {
	dir := t.TempDir()

	_, err := loadToken(dir)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	require.NoError(t, saveToken(dir, "tok", time.Now().Add(time.Hour)))
	tok, err := loadToken(dir)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	require.NoError(t, saveToken(dir, "old", time.Now().Add(-time.Minute)))
	_, err = loadToken(dir)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}
