// Package workflow 提供设备采购流程引擎。
//
// 一个采购申请从向供应商询问库存开始, 经过报价, 预留, 签字报价单, 最后上传合同完成。
// 每一次流转都是一个方法, 按照顺序执行副作用(发送邮件, 归档文档, 日历提醒, 下游验收申请),
// 然后通过条件更新提交新的状态。
//
// 主要特性：
//   - 状态机：每个操作只在指定的状态下执行, 终止状态不能再流转
//   - 条件更新：按照状态和版本号提交, 并发操作只有一个成功, 失败方返回 ErrConflict
//   - 副作用分级：必须成功的副作用失败会终止流转, 建议性的副作用失败只记录日志
//   - 数据持久化：基于 GORM, 支持 PostgreSQL 和 SQLite
//   - 后台任务：过期扫描和提醒发送, 通过本地锁或者 Redis 锁保证多副本互斥
//   - 可观测性：slog 日志, Prometheus 指标, OpenTelemetry 链路
//
// 基础使用示例:
//
//	db, _ := gorm.Open(sqlite.Open("procurement.db"), &gorm.Config{})
//	_ = workflow.AutoMigrate(db)
//
//	service, err := workflow.NewProcurementService(&workflow.ServiceDeps{
//	    Repo:       workflow.NewProcurementRepo(db),
//	    Archive:    archive.NewMemory(),
//	    Notifier:   notifier,
//	    Reminders:  workflow.NewReminderRepo(db),
//	    Downstream: workflow.NewInspectionRequestRepo(db),
//	})
//
//	req, err := service.CreateRequest(ctx, &workflow.CreateRequestParams{
//	    Actor:         &workflow.Actor{ID: 1, Email: "ventas@lab.example.com"},
//	    ClientName:    "Acme Labs",
//	    ProviderEmail: "supplier@x.com",
//	    Equipment:     []*workflow.EquipmentLineItem{{Name: "Analizador", Condition: workflow.EquipmentConditionNew}},
//	})
//
// 状态流转：
//
//	waiting_provider_response -> no_stock | waiting_proforma
//	waiting_proforma -> proforma_received -> waiting_signed_proforma -> pending_contract -> completed
//	任何非终止状态 -> cancelled
//
// 错误处理：
//
// 所有错误都可以通过 errors.Is 判断类型, GetErrorCode 把错误映射成稳定的错误码,
// 例如 ErrPreconditionFailed 对应 precondition_failed。
package workflow
