package utils

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// StringPtr 返回字符串的指针，空字符串返回nil以便落库为NULL
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TimePtr 返回时间的指针，零值返回nil
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// CalculateMD5 计算字节切片的MD5十六进制摘要
func CalculateMD5(data []byte) string {
	hasher := md5.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// NormalizedExt 返回小写的文件扩展名(含点)，没有扩展名时返回空串
func NormalizedExt(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// SanitizeFilename 去掉文件名中的路径部分，防止客户端传入的路径穿越到对象键
func SanitizeFilename(filename string) string {
	return filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
}
