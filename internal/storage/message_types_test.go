package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"document-service-go/internal/types"
)

// TestNewDocumentMessage 信封携带类别对应的消息类型，每次发布生成新的消息ID
func TestNewDocumentMessage(t *testing.T) {
	payload := DocumentPayload{
		DocumentID:       "doc-1",
		DocumentType:     "contract",
		OriginalFilename: "合同.pdf",
		FileSize:         1024,
		StagingKey:       "staging/doc-1.pdf",
	}

	msg := NewDocumentMessage(types.DocTypeContract, payload)
	assert.Equal(t, "client-doc", msg.Type)
	assert.NotEmpty(t, msg.ID)
	assert.WithinDuration(t, time.Now(), msg.Timestamp, 5*time.Second)
	assert.Equal(t, payload, msg.Data)

	// 重发同一文档得到不同的消息ID
	again := NewDocumentMessage(types.DocTypeContract, payload)
	assert.NotEqual(t, msg.ID, again.ID)

	// 各类别走各自的消息类型
	assert.Equal(t, "resume-doc", NewDocumentMessage(types.DocTypeResume, payload).Type)
	assert.Equal(t, "job-description-doc", NewDocumentMessage(types.DocTypeJobDescription, payload).Type)
	assert.Equal(t, "general-doc", NewDocumentMessage(types.DocTypeInvoice, payload).Type)
}

// TestDocumentMessageJSONShape 信封的线格式字段名保持稳定
func TestDocumentMessageJSONShape(t *testing.T) {
	expired := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	clientID := "c-9"
	msg := NewDocumentMessage(types.DocTypeAppendix, DocumentPayload{
		DocumentID:    "doc-2",
		DocumentType:  "appendix",
		StagingKey:    "staging/doc-2.pdf",
		ClientID:      &clientID,
		Tags:          []string{"a"},
		ExpiredDate:   &expired,
		FileExtension: ".pdf",
	})

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "id")
	assert.Contains(t, decoded, "type")
	assert.Contains(t, decoded, "timestamp")
	assert.Contains(t, decoded, "data")

	data := decoded["data"].(map[string]interface{})
	assert.Equal(t, "doc-2", data["document_id"])
	assert.Equal(t, "staging/doc-2.pdf", data["staging_key"])
	assert.Equal(t, "c-9", data["client_id"])
	// 空的归属字段不出现在线格式里
	assert.NotContains(t, data, "job_id")
	assert.NotContains(t, data, "user_id")
}
