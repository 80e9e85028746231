package domain

// FailureType 失败类型，对应保护流水线的各个阶段
type FailureType string

const (
	FailureTypeNone               FailureType = ""                    // 无失败（成功或进行中）
	FailureTypeMetadataExtraction FailureType = "metadata_extraction" // 包信息/证书指纹提取失败
	FailureTypeTemplateFill       FailureType = "template_fill"       // 模板填充失败
	FailureTypeBuild              FailureType = "build"               // Native 库编译失败（一个架构都没有产出）
	FailureTypeInjection          FailureType = "injection"           // 反编译/合并/补丁/回编译失败
	FailureTypeSigning            FailureType = "signing"             // 对齐或签名失败
	FailureTypeCopy               FailureType = "copy"                // 最终产物无法复制到输出路径
	FailureTypeInstall            FailureType = "install"             // 安装到设备失败（非致命）
	FailureTypeCancelled          FailureType = "cancelled"           // 服务关闭或超时导致中断
	FailureTypeUnknown            FailureType = "unknown"             // 未知错误
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"
	FailureSeverityWarning FailureSeverity = "warning"
	FailureSeverityError   FailureSeverity = "error"
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeInstall:
		return FailureSeverityWarning // 产物已经生成，只是没装上
	default:
		return FailureSeverityError
	}
}

// IsFatal 是否终止整个运行
func (ft FailureType) IsFatal() bool {
	return ft != FailureTypeNone && ft != FailureTypeInstall
}

// GetDisplayName 获取失败类型的显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeMetadataExtraction:
		return "信息提取失败"
	case FailureTypeTemplateFill:
		return "模板填充失败"
	case FailureTypeBuild:
		return "编译失败"
	case FailureTypeInjection:
		return "注入失败"
	case FailureTypeSigning:
		return "签名失败"
	case FailureTypeCopy:
		return "复制失败"
	case FailureTypeInstall:
		return "安装失败"
	case FailureTypeCancelled:
		return "已取消"
	default:
		return "未知错误"
	}
}
