package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"document-service-go/internal/storage/models"
)

// TestPayloadFromDocument 从元数据记录重建消息快照
func TestPayloadFromDocument(t *testing.T) {
	clientID := "client-1"
	expired := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	doc := &models.Document{
		DocumentID:       "doc-1",
		Name:             "合同A",
		OriginalFilename: "contract.pdf",
		FileSize:         2048,
		MimeType:         "application/pdf",
		FileExtension:    ".pdf",
		DocumentType:     "contract",
		FileMD5:          "9e107d9d372bb6826bd81d3542a419d6",
		ClientID:         &clientID,
		Tags:             datatypes.JSON(`["法务","2026"]`),
		DocumentMetadata: datatypes.JSON(`{"source":"portal"}`),
		ExpiredDate:      &expired,
	}

	payload, err := PayloadFromDocument(doc)
	require.NoError(t, err)

	assert.Equal(t, "doc-1", payload.DocumentID)
	assert.Equal(t, "contract", payload.DocumentType)
	assert.Equal(t, "staging/doc-1.pdf", payload.StagingKey, "暂存键按创建时的规则重新推导")
	assert.Equal(t, "9e107d9d372bb6826bd81d3542a419d6", payload.FileMD5)
	require.NotNil(t, payload.ClientID)
	assert.Equal(t, "client-1", *payload.ClientID)
	assert.Equal(t, []string{"法务", "2026"}, payload.Tags)
	assert.Equal(t, map[string]string{"source": "portal"}, payload.DocumentMetadata)
	require.NotNil(t, payload.ExpiredDate)
	assert.True(t, payload.ExpiredDate.Equal(expired))
}

// TestPayloadFromDocumentEmptyJSON 空的标签和元数据不影响重建
func TestPayloadFromDocumentEmptyJSON(t *testing.T) {
	doc := &models.Document{
		DocumentID:    "doc-2",
		FileExtension: ".docx",
		DocumentType:  "resume",
	}

	payload, err := PayloadFromDocument(doc)
	require.NoError(t, err)

	assert.Equal(t, "staging/doc-2.docx", payload.StagingKey)
	assert.Nil(t, payload.Tags)
	assert.Nil(t, payload.DocumentMetadata)
	assert.Nil(t, payload.ExpiredDate)
}

// TestPayloadFromDocumentBadJSON 损坏的JSON字段返回错误
func TestPayloadFromDocumentBadJSON(t *testing.T) {
	doc := &models.Document{
		DocumentID:    "doc-3",
		FileExtension: ".pdf",
		DocumentType:  "contract",
		Tags:          datatypes.JSON(`{not json`),
	}

	_, err := PayloadFromDocument(doc)
	assert.Error(t, err)
}
