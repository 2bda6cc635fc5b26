package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"document-service-go/internal/storage"
	"document-service-go/internal/storage/models"
	"document-service-go/internal/types"
)

// fakeStore 内存版的元数据库，记录状态转移轨迹
type fakeStore struct {
	docs             map[string]*models.Document
	uploadedKey      string
	uploadedURL      string
	failMarkUploaded bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]*models.Document)}
}

func (s *fakeStore) GetDocumentByID(ctx context.Context, documentID string) (*models.Document, error) {
	doc, ok := s.docs[documentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return doc, nil
}

func (s *fakeStore) TransitionDocumentStatus(ctx context.Context, documentID string, from, to types.DocumentStatus) (bool, error) {
	if !types.CanTransition(from, to) {
		return false, fmt.Errorf("非法的状态转移: %s -> %s", from, to)
	}
	doc, ok := s.docs[documentID]
	if !ok || doc.Status != string(from) {
		return false, nil
	}
	doc.Status = string(to)
	return true, nil
}

func (s *fakeStore) MarkDocumentUploaded(ctx context.Context, documentID, storageKey, storageURL string) (bool, error) {
	if s.failMarkUploaded {
		return false, nil
	}
	doc, ok := s.docs[documentID]
	if !ok || doc.Status != string(types.StatusProcessing) {
		return false, nil
	}
	doc.Status = string(types.StatusUploaded)
	doc.StorageKey = &storageKey
	doc.StorageURL = &storageURL
	s.uploadedKey = storageKey
	s.uploadedURL = storageURL
	return true, nil
}

func (s *fakeStore) MarkDocumentFailed(ctx context.Context, documentID string) (bool, error) {
	doc, ok := s.docs[documentID]
	if !ok || doc.Status != string(types.StatusProcessing) {
		return false, nil
	}
	doc.Status = string(types.StatusFailed)
	return true, nil
}

// fakeGateway 记录对象存储调用
type fakeGateway struct {
	promoteErr error
	promoted   [][2]string // [staging, final]
	deleted    []string
}

func (g *fakeGateway) PromoteStagedFile(ctx context.Context, stagingKey, finalKey, contentType string) error {
	if g.promoteErr != nil {
		return g.promoteErr
	}
	g.promoted = append(g.promoted, [2]string{stagingKey, finalKey})
	return nil
}

func (g *fakeGateway) DeleteFile(ctx context.Context, objectKey string) error {
	g.deleted = append(g.deleted, objectKey)
	return nil
}

func (g *fakeGateway) GetFileURL(objectKey string) string {
	return "http://localhost:9000/documents/" + objectKey
}

// fakeMD5Deduper 记录被释放的MD5
type fakeMD5Deduper struct {
	removed []string
}

func (d *fakeMD5Deduper) RemoveFileMD5(ctx context.Context, md5Hex string) error {
	d.removed = append(d.removed, md5Hex)
	return nil
}

// shutdownGateway 在搬运中途触发外层取消，模拟消费者池关停
type shutdownGateway struct {
	inner  *fakeGateway
	cancel context.CancelFunc
}

func (g *shutdownGateway) PromoteStagedFile(ctx context.Context, stagingKey, finalKey, contentType string) error {
	g.cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.inner.PromoteStagedFile(ctx, stagingKey, finalKey, contentType)
}

func (g *shutdownGateway) DeleteFile(ctx context.Context, objectKey string) error {
	return g.inner.DeleteFile(ctx, objectKey)
}

func (g *shutdownGateway) GetFileURL(objectKey string) string {
	return g.inner.GetFileURL(objectKey)
}

// ctxAwareStore 上下文取消后拒绝落库，模拟尊重取消的数据库层
type ctxAwareStore struct {
	*fakeStore
}

func (s *ctxAwareStore) MarkDocumentUploaded(ctx context.Context, documentID, storageKey, storageURL string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.fakeStore.MarkDocumentUploaded(ctx, documentID, storageKey, storageURL)
}

func (s *ctxAwareStore) MarkDocumentFailed(ctx context.Context, documentID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.fakeStore.MarkDocumentFailed(ctx, documentID)
}

const testFileMD5 = "0123456789abcdef0123456789abcdef"

func messageBody(t *testing.T, docID string, docType types.DocumentType) []byte {
	t.Helper()
	msg := storage.NewDocumentMessage(docType, storage.DocumentPayload{
		DocumentID:       docID,
		DocumentType:     string(docType),
		OriginalFilename: "file.pdf",
		FileSize:         100,
		FileExtension:    ".pdf",
		StagingKey:       "staging/" + docID + ".pdf",
		FileMD5:          testFileMD5,
	})
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

// TestProcessMessageHappyPath uploading -> processing -> uploaded，写入键和URL
func TestProcessMessageHappyPath(t *testing.T) {
	store := newFakeStore()
	store.docs["d1"] = &models.Document{DocumentID: "d1", Status: string(types.StatusUploading)}
	gateway := &fakeGateway{}
	deduper := &fakeMD5Deduper{}
	p := NewDocumentProcessor(store, gateway, deduper)
	p.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }

	acked := p.ProcessMessage(context.Background(), messageBody(t, "d1", types.DocTypeContract))

	assert.True(t, acked)
	assert.Equal(t, string(types.StatusUploaded), store.docs["d1"].Status)
	assert.Empty(t, deduper.removed, "成功的文档保留MD5登记")
	require.Len(t, gateway.promoted, 1)
	assert.Equal(t, "staging/d1.pdf", gateway.promoted[0][0])
	assert.Contains(t, gateway.promoted[0][1], "documents/contract/2026/05/01/")
	require.NotNil(t, store.docs["d1"].StorageKey)
	assert.Equal(t, gateway.promoted[0][1], *store.docs["d1"].StorageKey)
	assert.Equal(t, "http://localhost:9000/documents/"+gateway.promoted[0][1], store.uploadedURL)
}

// TestProcessMessageUploadFailure 搬运失败落库failed，消息仍然确认，
// 且释放MD5登记，让重新提交的同内容文件不被当作重复拦下
func TestProcessMessageUploadFailure(t *testing.T) {
	store := newFakeStore()
	store.docs["d2"] = &models.Document{DocumentID: "d2", Status: string(types.StatusUploading)}
	gateway := &fakeGateway{promoteErr: fmt.Errorf("%w: 503", storage.ErrStorageTransient)}
	deduper := &fakeMD5Deduper{}
	p := NewDocumentProcessor(store, gateway, deduper)

	acked := p.ProcessMessage(context.Background(), messageBody(t, "d2", types.DocTypeResume))

	assert.True(t, acked, "失败的消息同样要确认")
	assert.Equal(t, string(types.StatusFailed), store.docs["d2"].Status)
	assert.Empty(t, gateway.promoted)
	assert.Equal(t, []string{testFileMD5}, deduper.removed)
}

// TestProcessMessageDuplicateTerminal 指向终态记录的重复消息直接跳过
func TestProcessMessageDuplicateTerminal(t *testing.T) {
	for _, status := range []types.DocumentStatus{types.StatusUploaded, types.StatusFailed} {
		store := newFakeStore()
		store.docs["d3"] = &models.Document{DocumentID: "d3", Status: string(status)}
		gateway := &fakeGateway{}
		deduper := &fakeMD5Deduper{}
		p := NewDocumentProcessor(store, gateway, deduper)

		acked := p.ProcessMessage(context.Background(), messageBody(t, "d3", types.DocTypeOther))

		assert.True(t, acked)
		assert.Equal(t, string(status), store.docs["d3"].Status, "终态不被重复消息改写")
		assert.Empty(t, gateway.promoted)
		assert.Empty(t, deduper.removed, "重复消息不动MD5登记")
	}
}

// TestProcessMessageResumeProcessing processing状态的记录恢复搬运
func TestProcessMessageResumeProcessing(t *testing.T) {
	store := newFakeStore()
	store.docs["d4"] = &models.Document{DocumentID: "d4", Status: string(types.StatusProcessing)}
	gateway := &fakeGateway{}
	p := NewDocumentProcessor(store, gateway, nil)

	acked := p.ProcessMessage(context.Background(), messageBody(t, "d4", types.DocTypeInvoice))

	assert.True(t, acked)
	assert.Equal(t, string(types.StatusUploaded), store.docs["d4"].Status)
	assert.Len(t, gateway.promoted, 1)
}

// TestProcessMessageOrphanCleanup 收尾竞争失败时删除本次搬运的对象
func TestProcessMessageOrphanCleanup(t *testing.T) {
	store := newFakeStore()
	store.docs["d5"] = &models.Document{DocumentID: "d5", Status: string(types.StatusUploading)}
	store.failMarkUploaded = true
	gateway := &fakeGateway{}
	p := NewDocumentProcessor(store, gateway, nil)

	acked := p.ProcessMessage(context.Background(), messageBody(t, "d5", types.DocTypeProposal))

	assert.True(t, acked)
	require.Len(t, gateway.promoted, 1)
	require.Len(t, gateway.deleted, 1)
	assert.Equal(t, gateway.promoted[0][1], gateway.deleted[0], "删除的是本次搬运产生的对象")
}

// TestProcessMessageShutdownDuringPromotion 外层上下文在搬运中途被取消
// (消费者池关停)时，已领取的文档仍要走到终态，不能停在processing
func TestProcessMessageShutdownDuringPromotion(t *testing.T) {
	store := newFakeStore()
	store.docs["d6"] = &models.Document{DocumentID: "d6", Status: string(types.StatusUploading)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gateway := &shutdownGateway{inner: &fakeGateway{}, cancel: cancel}
	p := NewDocumentProcessor(&ctxAwareStore{fakeStore: store}, gateway, nil)

	acked := p.ProcessMessage(ctx, messageBody(t, "d6", types.DocTypeResume))

	assert.True(t, acked)
	require.Error(t, ctx.Err(), "外层上下文确实已被取消")
	assert.Equal(t, string(types.StatusUploaded), store.docs["d6"].Status)
	assert.Len(t, gateway.inner.promoted, 1)
}

// TestProcessMessageMalformed 解析不了的消息确认丢弃
func TestProcessMessageMalformed(t *testing.T) {
	p := NewDocumentProcessor(newFakeStore(), &fakeGateway{}, nil)

	assert.True(t, p.ProcessMessage(context.Background(), []byte("not json")))
	assert.True(t, p.ProcessMessage(context.Background(), []byte(`{"id":"x","type":"client-doc","data":{}}`)))
}

// TestProcessMessageUnknownDocument 指向不存在记录的消息确认丢弃
func TestProcessMessageUnknownDocument(t *testing.T) {
	gateway := &fakeGateway{}
	p := NewDocumentProcessor(newFakeStore(), gateway, nil)

	acked := p.ProcessMessage(context.Background(), messageBody(t, "ghost", types.DocTypeContract))

	assert.True(t, acked)
	assert.Empty(t, gateway.promoted)
}

// TestClassifyUploadError 错误分类
func TestClassifyUploadError(t *testing.T) {
	assert.Equal(t, "object_storage", string(classifyUploadError(storage.ErrStorageCredentials)))
	assert.Equal(t, "object_storage", string(classifyUploadError(storage.ErrStorageBucketMissing)))
	assert.Equal(t, "timeout", string(classifyUploadError(fmt.Errorf("包装: %w", storage.ErrStorageTransient))))
	assert.Equal(t, "timeout", string(classifyUploadError(context.DeadlineExceeded)))
	assert.Equal(t, "object_storage", string(classifyUploadError(errors.New("其他"))))
}
