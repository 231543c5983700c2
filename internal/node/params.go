package node

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
)

// decodeParams 以弱类型方式把节点参数解码到结构体。
func decodeParams(params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("node: 创建参数解码器失败: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("node: 参数无效: %w", err)
	}
	return nil
}

// Interval 读取周期参数：字符串按 duration 解析，数字按秒计。
func Interval(params map[string]interface{}) (time.Duration, error) {
	raw, ok := params["interval"]
	if !ok || raw == nil {
		return 0, fmt.Errorf("node: 缺少 interval 参数")
	}

	var d time.Duration
	switch v := raw.(type) {
	case string:
		parsed, err := cast.ToDurationE(v)
		if err != nil {
			return 0, fmt.Errorf("node: interval 无效: %w", err)
		}
		d = parsed
	case time.Duration:
		d = v
	default:
		seconds, err := cast.ToFloat64E(v)
		if err != nil {
			return 0, fmt.Errorf("node: interval 无效: %w", err)
		}
		d = time.Duration(seconds * float64(time.Second))
	}
	if d <= 0 {
		return 0, fmt.Errorf("node: interval 必须大于0: %s", d)
	}
	return d, nil
}

func inputFloat(call Call, i int) (float64, error) {
	v, err := cast.ToFloat64E(call.Inputs[i])
	if err != nil {
		return 0, fmt.Errorf("node: 输入 %d 不是数值: %w", i, err)
	}
	return v, nil
}

func inputBool(call Call, i int) (bool, error) {
	v, err := cast.ToBoolE(call.Inputs[i])
	if err != nil {
		return false, fmt.Errorf("node: 输入 %d 不是布尔值: %w", i, err)
	}
	return v, nil
}

func inputString(call Call, i int) (string, error) {
	v, err := cast.ToStringE(call.Inputs[i])
	if err != nil {
		return "", fmt.Errorf("node: 输入 %d 不是字符串: %w", i, err)
	}
	return v, nil
}

func connected(call Call, i int) bool {
	return i < len(call.Connected) && call.Connected[i]
}
