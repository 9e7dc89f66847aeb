package taskstore

// ============================================================================
// Metadata 正規化
// 職責：
// 1. 在寫入邊界拒絕 nil metadata 與不支援的值型別
// 2. 數字一律以 json.Number 保存原始十進位字面值，整數不經 float64，
//    超過 2^53 的 post_id 等識別碼也不會失真
// 3. 記錄以 UseNumber 解碼，Get 回傳的內容與 Create 寫入的完全相同
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// NormalizeMetadata 驗證並轉成 JSON 往返後的形狀
//
// 字串與布林原樣保留；整數、浮點數與 json.Number 轉為 json.Number。
// nil map 回傳 ErrMissingMetadata，空 map 合法。
func NormalizeMetadata(meta map[string]any) (map[string]any, error) {
	if meta == nil {
		return nil, ErrMissingMetadata
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidMetadata, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string, bool:
		return val, nil
	case json.Number:
		if !validNumber(string(val)) {
			return nil, fmt.Errorf("invalid number %q", string(val))
		}
		return val, nil
	case float64:
		return floatNumber(val)
	case float32:
		return floatNumber(float64(val))
	case int:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(val, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(val, 10)), nil
	case nil:
		return nil, fmt.Errorf("null value")
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// floatNumber 使用 encoding/json 的格式；NaN 與 Inf 不是合法 JSON
func floatNumber(f float64) (any, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return json.Number(raw), nil
}

// validNumber 只接受 JSON 數字字面值
func validNumber(s string) bool {
	if s == "" || !json.Valid([]byte(s)) {
		return false
	}
	c := s[0]
	return c == '-' || (c >= '0' && c <= '9')
}

// decodeJSON 以 UseNumber 解碼，metadata 中的數字保持 json.Number
func decodeJSON(raw []byte, v any) error {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	return d.Decode(v)
}

func metaString(meta map[string]any, key string) string {
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
