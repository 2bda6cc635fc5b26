package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStringPtr 空字符串返回nil
func TestStringPtr(t *testing.T) {
	assert.Nil(t, StringPtr(""))

	p := StringPtr("hello")
	require.NotNil(t, p)
	assert.Equal(t, "hello", *p)
}

// TestTimePtr 零值时间返回nil
func TestTimePtr(t *testing.T) {
	assert.Nil(t, TimePtr(time.Time{}))

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := TimePtr(now)
	require.NotNil(t, p)
	assert.True(t, p.Equal(now))
}

// TestCalculateMD5 已知输入的摘要
func TestCalculateMD5(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", CalculateMD5(nil), "空输入的MD5")
	assert.Equal(t, "098f6bcd4621d373cade4e832627b4f6", CalculateMD5([]byte("test")))
}

// TestNormalizedExt 扩展名统一小写
func TestNormalizedExt(t *testing.T) {
	assert.Equal(t, ".pdf", NormalizedExt("Resume.PDF"))
	assert.Equal(t, ".docx", NormalizedExt("合同.docx"))
	assert.Equal(t, "", NormalizedExt("README"))
	assert.Equal(t, ".gz", NormalizedExt("archive.tar.gz"))
}

// TestSanitizeFilename 去掉路径部分
func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "file.pdf", SanitizeFilename("file.pdf"))
	assert.Equal(t, "file.pdf", SanitizeFilename("../../etc/file.pdf"))
	assert.Equal(t, "file.pdf", SanitizeFilename(`C:\Users\alice\file.pdf`))
	assert.Equal(t, "file.pdf", SanitizeFilename("/tmp/upload/file.pdf"))
}
