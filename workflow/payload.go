package workflow

import (
	"encoding/json"
	"fmt"
)

// InspectionRequestTypeID 下游验收申请的表单类型
const InspectionRequestTypeID = "F.ST-20"

// Payload 下游申请的动态表单, 封装 JSON 提供便捷的读写方法
type Payload struct {
	data map[string]any
}

// NewPayload 从字节创建, 解析失败返回空表单
func NewPayload(b []byte) *Payload {
	p := &Payload{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &p.data)
	}
	return p
}

// Get 获取值，支持嵌套路径
// 例如: Get("client", "name") 获取 client.name
func (p *Payload) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}

	current := any(p.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

func (p *Payload) GetString(keys ...string) (string, bool) {
	val, ok := p.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (p *Payload) GetBool(keys ...string) (bool, bool) {
	val, ok := p.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 设置值，支持嵌套路径, 中间路径不是 map 的会被覆盖
func (p *Payload) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("keys cannot be empty")
	}

	current := p.data
	for i := 0; i < len(keys)-1; i++ {
		nextMap, ok := current[keys[i]].(map[string]any)
		if !ok {
			nextMap = make(map[string]any)
			current[keys[i]] = nextMap
		}
		current = nextMap
	}

	current[keys[len(keys)-1]] = value
	return nil
}

func (p *Payload) ToBytes() ([]byte, error) {
	return json.Marshal(p.data)
}

// Unmarshal 将表单反序列化到指定结构体
func (p *Payload) Unmarshal(v any) error {
	b, err := p.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// BuildInspectionPayload 根据采购申请生成验收申请表单
func BuildInspectionPayload(req *ProcurementRequest, window *InspectionWindow) *Payload {
	p := NewPayload(nil)
	equipment := make([]any, 0, len(req.Equipment))
	for _, item := range req.Equipment {
		equipment = append(equipment, map[string]any{
			"name":      item.Name,
			"serial":    item.Serial,
			"condition": item.Condition,
		})
	}
	annotations := "No incluye kit de arranque"
	if window.IncludesStarterKit {
		annotations = "Incluye kit de arranque"
	}
	_ = p.Set([]string{"procurement_request_id"}, req.ID)
	_ = p.Set([]string{"client", "name"}, req.ClientName)
	_ = p.Set([]string{"client", "email"}, req.ClientEmail)
	if req.ClientID != nil {
		_ = p.Set([]string{"client", "id"}, *req.ClientID)
	}
	_ = p.Set([]string{"install_date"}, window.Earliest)
	_ = p.Set([]string{"install_deadline"}, window.Latest)
	_ = p.Set([]string{"requires_lis"}, req.RequiresLIS)
	_ = p.Set([]string{"equipment"}, equipment)
	_ = p.Set([]string{"annotations"}, annotations)
	_ = p.Set([]string{"observations"}, req.Notes)
	return p
}
