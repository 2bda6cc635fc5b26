package types

import (
	"fmt"
	"strings"
)

// DocumentType 文档类别，创建后不可变更
type DocumentType string

const (
	DocTypeContract       DocumentType = "contract"
	DocTypeAppendix       DocumentType = "appendix"
	DocTypeJobDescription DocumentType = "job_description"
	DocTypeResume         DocumentType = "resume"
	DocTypeInvoice        DocumentType = "invoice"
	DocTypeProposal       DocumentType = "proposal"
	DocTypeAgreement      DocumentType = "agreement"
	DocTypeTemplate       DocumentType = "template"
	DocTypeOther          DocumentType = "other"
)

// AllDocumentTypes 全部合法的文档类别，用于校验和错误提示
var AllDocumentTypes = []DocumentType{
	DocTypeContract,
	DocTypeAppendix,
	DocTypeJobDescription,
	DocTypeResume,
	DocTypeInvoice,
	DocTypeProposal,
	DocTypeAgreement,
	DocTypeTemplate,
	DocTypeOther,
}

// ParseDocumentType 将字符串解析为文档类别，无法识别时返回错误
func ParseDocumentType(s string) (DocumentType, error) {
	candidate := DocumentType(strings.ToLower(strings.TrimSpace(s)))
	for _, dt := range AllDocumentTypes {
		if dt == candidate {
			return dt, nil
		}
	}
	return "", fmt.Errorf("未知的文档类别: %q (合法取值: %v)", s, AllDocumentTypes)
}

// DocumentStatus 文档状态，状态机见 Destination 下方的 CanTransition
type DocumentStatus string

const (
	// StatusUploading 初始状态，元数据已落库，文件尚未进入持久化存储
	StatusUploading DocumentStatus = "uploading"
	// StatusProcessing 消费者已领取消息，正在搬运文件
	StatusProcessing DocumentStatus = "processing"
	// StatusUploaded 终态：文件已持久化，storage_key 与 storage_url 均已写入
	StatusUploaded DocumentStatus = "uploaded"
	// StatusFailed 终态：存储上传失败，等待外部重新提交
	StatusFailed DocumentStatus = "failed"
	// StatusExpired 逻辑终态：仅在读取时根据 expired_date 推导，不由管道落库
	StatusExpired DocumentStatus = "expired"
)

// AllDocumentStatuses 全部合法的文档状态
var AllDocumentStatuses = []DocumentStatus{
	StatusUploading,
	StatusProcessing,
	StatusUploaded,
	StatusFailed,
	StatusExpired,
}

// ParseDocumentStatus 将字符串解析为文档状态
func ParseDocumentStatus(s string) (DocumentStatus, error) {
	candidate := DocumentStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, ds := range AllDocumentStatuses {
		if ds == candidate {
			return ds, nil
		}
	}
	return "", fmt.Errorf("未知的文档状态: %q (合法取值: %v)", s, AllDocumentStatuses)
}

// validTransitions 状态机允许的推进方向。没有任何状态可以回退到 uploading，
// failed 与 expired 之后管道不再定义自动转移。
var validTransitions = map[DocumentStatus][]DocumentStatus{
	StatusUploading:  {StatusProcessing},
	StatusProcessing: {StatusUploaded, StatusFailed},
}

// CanTransition 判断状态机是否允许 from -> to 的转移
func CanTransition(from, to DocumentStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Destination 一个类别分组对应的消息目的地：队列与其绑定的路由模式。
// MessageType 同时作为消息信封的 type 字段与路由键前缀。
type Destination struct {
	MessageType string // 消息类型标签，如 "client-doc"
	Queue       string // 持久化队列名
	RoutingKey  string // 发布时使用的路由键
	BindingKey  string // 队列绑定使用的通配模式
}

// documentDestinations 类别 -> 目的地的封闭映射表。
// contract/appendix 归入客户文档组，job_description 与 resume 各自独立，
// 其余类别统一走通用组。
var documentDestinations = map[DocumentType]Destination{
	DocTypeContract:       destClientDoc,
	DocTypeAppendix:       destClientDoc,
	DocTypeJobDescription: destJobDescription,
	DocTypeResume:         destResume,
	DocTypeInvoice:        destGeneral,
	DocTypeProposal:       destGeneral,
	DocTypeAgreement:      destGeneral,
	DocTypeTemplate:       destGeneral,
	DocTypeOther:          destGeneral,
}

var (
	destClientDoc = Destination{
		MessageType: "client-doc",
		Queue:       "client-doc-queue",
		RoutingKey:  "client-doc.create",
		BindingKey:  "client-doc.*",
	}
	destJobDescription = Destination{
		MessageType: "job-description-doc",
		Queue:       "job-description-doc-queue",
		RoutingKey:  "job-description-doc.create",
		BindingKey:  "job-description-doc.*",
	}
	destResume = Destination{
		MessageType: "resume-doc",
		Queue:       "resume-doc-queue",
		RoutingKey:  "resume-doc.create",
		BindingKey:  "resume-doc.*",
	}
	destGeneral = Destination{
		MessageType: "general-doc",
		Queue:       "general-doc-queue",
		RoutingKey:  "general-doc.create",
		BindingKey:  "general-doc.*",
	}
)

// DestinationFor 返回类别对应的消息目的地。映射表覆盖了全部类别，
// 未知类别兜底到通用组，保证调用方永远拿到一个可用的目的地。
func DestinationFor(dt DocumentType) Destination {
	if dest, ok := documentDestinations[dt]; ok {
		return dest
	}
	return destGeneral
}

// AllDestinations 返回去重后的全部目的地，消费者据此声明队列并订阅
func AllDestinations() []Destination {
	return []Destination{destClientDoc, destJobDescription, destResume, destGeneral}
}
