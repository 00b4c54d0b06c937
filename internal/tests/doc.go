// Package tests 是 equipment-procurement 的端到端测试。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容：
//   - 从创建申请到上传合同的完整流程, 真实的 sqlite 存储和内存归档
//   - 供应商没有库存, 手动取消等终止分支
//   - 同一个申请上的并发操作, 只有一个成功
//   - 过期扫描和提醒发送, 多个副本通过 redis 锁互斥
//
// 运行测试：
//
//	go test ./internal/tests/...
package tests
