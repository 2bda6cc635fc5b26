package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseDocumentType 验证类别解析接受全部合法取值并拒绝未知值
func TestParseDocumentType(t *testing.T) {
	for _, dt := range AllDocumentTypes {
		parsed, err := ParseDocumentType(string(dt))
		require.NoError(t, err)
		assert.Equal(t, dt, parsed)
	}

	// 大小写与空白宽容
	parsed, err := ParseDocumentType("  Resume ")
	require.NoError(t, err)
	assert.Equal(t, DocTypeResume, parsed)

	_, err = ParseDocumentType("spreadsheet")
	assert.Error(t, err)

	_, err = ParseDocumentType("")
	assert.Error(t, err)
}

// TestParseDocumentStatus 验证状态解析
func TestParseDocumentStatus(t *testing.T) {
	for _, ds := range AllDocumentStatuses {
		parsed, err := ParseDocumentStatus(string(ds))
		require.NoError(t, err)
		assert.Equal(t, ds, parsed)
	}

	_, err := ParseDocumentStatus("archived")
	assert.Error(t, err)
}

// TestCanTransition 验证状态机只放行定义的转移方向
func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusUploading, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusUploaded))
	assert.True(t, CanTransition(StatusProcessing, StatusFailed))

	// 禁止回退和跳跃
	assert.False(t, CanTransition(StatusProcessing, StatusUploading))
	assert.False(t, CanTransition(StatusUploading, StatusUploaded))
	assert.False(t, CanTransition(StatusUploaded, StatusProcessing))
	assert.False(t, CanTransition(StatusFailed, StatusProcessing))
	assert.False(t, CanTransition(StatusExpired, StatusUploading))
}

// TestDestinationFor 验证类别到队列的完整映射
func TestDestinationFor(t *testing.T) {
	cases := []struct {
		docType DocumentType
		queue   string
		routing string
	}{
		{DocTypeContract, "client-doc-queue", "client-doc.create"},
		{DocTypeAppendix, "client-doc-queue", "client-doc.create"},
		{DocTypeJobDescription, "job-description-doc-queue", "job-description-doc.create"},
		{DocTypeResume, "resume-doc-queue", "resume-doc.create"},
		{DocTypeInvoice, "general-doc-queue", "general-doc.create"},
		{DocTypeProposal, "general-doc-queue", "general-doc.create"},
		{DocTypeAgreement, "general-doc-queue", "general-doc.create"},
		{DocTypeTemplate, "general-doc-queue", "general-doc.create"},
		{DocTypeOther, "general-doc-queue", "general-doc.create"},
	}

	for _, tc := range cases {
		dest := DestinationFor(tc.docType)
		assert.Equal(t, tc.queue, dest.Queue, "类别 %s 的队列不符", tc.docType)
		assert.Equal(t, tc.routing, dest.RoutingKey, "类别 %s 的路由键不符", tc.docType)
	}

	// 未知类别兜底到通用组
	dest := DestinationFor(DocumentType("unknown"))
	assert.Equal(t, "general-doc-queue", dest.Queue)
}

// TestDestinationBindingMatchesRouting 每个目的地的绑定模式要能匹配自己的路由键
func TestDestinationBindingMatchesRouting(t *testing.T) {
	for _, dest := range AllDestinations() {
		require.NotEmpty(t, dest.MessageType)
		assert.Equal(t, dest.MessageType+".create", dest.RoutingKey)
		assert.Equal(t, dest.MessageType+".*", dest.BindingKey)
	}
}

// TestAllDestinationsDistinctQueues 四个目的地的队列互不相同
func TestAllDestinationsDistinctQueues(t *testing.T) {
	seen := make(map[string]bool)
	for _, dest := range AllDestinations() {
		assert.False(t, seen[dest.Queue], "队列 %s 重复", dest.Queue)
		seen[dest.Queue] = true
	}
	assert.Len(t, seen, 4)
}
